package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
	"github.com/mediaforge/taskcron/internal/service"
)

// newManager builds the management service over the given database handle.
// A nil handle is fine for store-free operations such as validate.
func newManager(cmdCtx *commandContext, db *sql.DB) *service.ManagerService {
	var store core.ScheduleAdminStore
	if db != nil {
		store = data.NewScheduleRepo(db)
	}
	return service.NewManagerService(service.ManagerServiceOptions{
		Store: store,
		Config: core.SchedulerConfig{
			DefaultTimezone:  cmdCtx.Config.Scheduler.DefaultTimezone,
			EnabledByDefault: cmdCtx.Config.Scheduler.EnabledByDefault,
		},
		Logger: cmdCtx.Logger,
	})
}

type createOptions struct {
	TaskID       string
	Cron         string
	Timezone     string
	Disabled     bool
	MaxInstances int
	Overlap      string
	JSON         bool
}

func parseCreateFlags(args []string) (createOptions, error) {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)

	var opts createOptions
	fs.StringVar(&opts.Timezone, "timezone", "", "IANA timezone (defaults to the scheduler default)")
	fs.BoolVar(&opts.Disabled, "disabled", false, "Create the schedule disabled")
	fs.IntVar(&opts.MaxInstances, "max-instances", 0, "Per-schedule live instance cap (0 uses the default of 1)")
	fs.StringVar(&opts.Overlap, "overlap", "", "Overlap policy: skip, queue, or replace (default skip)")
	fs.BoolVar(&opts.JSON, "json", false, "Print the created schedule as JSON")

	if err := parseFlags(fs, args); err != nil {
		return createOptions{}, err
	}

	if fs.NArg() != 2 {
		return createOptions{}, apperrors.Validation("usage: create [flags] <task-id> <cron>")
	}
	opts.TaskID = strings.TrimSpace(fs.Arg(0))
	if opts.TaskID == "" {
		return createOptions{}, apperrors.ValidationField("task-id", "is required")
	}
	opts.Cron = strings.TrimSpace(fs.Arg(1))
	if opts.Cron == "" {
		return createOptions{}, apperrors.ValidationField("cron", "is required")
	}

	return opts, nil
}

func runCreate(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		manager := newManager(cmdCtx, db)
		created, createErr := manager.Create(ctx, opts.TaskID, opts.Cron, service.CreateScheduleOptions{
			Timezone:      opts.Timezone,
			Disabled:      opts.Disabled,
			MaxInstances:  opts.MaxInstances,
			OverlapPolicy: opts.Overlap,
		})
		if createErr != nil {
			return createErr
		}

		if opts.JSON {
			return printJSON(created)
		}
		if detailErr := printScheduleDetail(&created); detailErr != nil {
			return detailErr
		}
		preview := manager.Validate(created.CronExpression, created.Timezone, createPreviewCount)
		return printNextFirings(preview.NextRuns)
	})
}

// createPreviewCount is how many upcoming firings create shows.
const createPreviewCount = 3

func printNextFirings(runs []time.Time) error {
	if len(runs) == 0 {
		return nil
	}
	if err := writeln(os.Stdout, "next firings:"); err != nil {
		return fmt.Errorf("print firing header: %w", err)
	}
	for _, run := range runs {
		if err := writef(os.Stdout, "  %s\n", run.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("print firing: %w", err)
		}
	}
	return nil
}

type listCmdOptions struct {
	All  bool
	JSON bool
}

func parseListFlags(args []string) (listCmdOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)

	var opts listCmdOptions
	fs.BoolVar(&opts.All, "all", false, "Include disabled schedules")
	fs.BoolVar(&opts.JSON, "json", false, "Print schedules as JSON")

	if err := parseFlags(fs, args); err != nil {
		return listCmdOptions{}, err
	}
	return opts, nil
}

func runList(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		schedules, listErr := newManager(cmdCtx, db).List(ctx, domain.ListSchedulesFilter{
			OnlyEnabled: !opts.All,
		})
		if listErr != nil {
			return listErr
		}

		if opts.JSON {
			return printJSON(schedules)
		}
		return printScheduleTable(schedules)
	})
}

type toggleOptions struct {
	ID string
}

func parseToggleFlags(name string, args []string) (toggleOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	if err := parseFlags(fs, args); err != nil {
		return toggleOptions{}, err
	}

	if fs.NArg() != 1 {
		return toggleOptions{}, apperrors.Validation(fmt.Sprintf("usage: %s <schedule-id>", name))
	}
	opts := toggleOptions{ID: strings.TrimSpace(fs.Arg(0))}
	if opts.ID == "" {
		return toggleOptions{}, apperrors.ValidationField("schedule-id", "is required")
	}
	return opts, nil
}

func runEnable(cmdCtx *commandContext, args []string) error {
	return runToggle(cmdCtx, args, "enable", true)
}

func runDisable(cmdCtx *commandContext, args []string) error {
	return runToggle(cmdCtx, args, "disable", false)
}

func runToggle(cmdCtx *commandContext, args []string, name string, enabled bool) error {
	opts, err := parseToggleFlags(name, args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		if toggleErr := newManager(cmdCtx, db).Toggle(ctx, opts.ID, enabled); toggleErr != nil {
			return toggleErr
		}
		return writef(os.Stdout, "schedule %s %sd\n", opts.ID, name)
	})
}

type deleteOptions struct {
	ID    string
	Force bool
}

func parseDeleteFlags(args []string) (deleteOptions, error) {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)

	var opts deleteOptions
	fs.BoolVar(&opts.Force, "force", false, "Skip confirmation prompt")

	if err := parseFlags(fs, args); err != nil {
		return deleteOptions{}, err
	}

	if fs.NArg() != 1 {
		return deleteOptions{}, apperrors.Validation("usage: delete [--force] <schedule-id>")
	}
	opts.ID = strings.TrimSpace(fs.Arg(0))
	if opts.ID == "" {
		return deleteOptions{}, apperrors.ValidationField("schedule-id", "is required")
	}
	return opts, nil
}

func runDelete(cmdCtx *commandContext, args []string) error {
	opts, err := parseDeleteFlags(args)
	if err != nil {
		return err
	}
	if confirmErr := confirmDelete(opts); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		if delErr := newManager(cmdCtx, db).Delete(ctx, opts.ID); delErr != nil {
			return delErr
		}
		return writef(os.Stdout, "schedule %s deleted\n", opts.ID)
	})
}

// confirmDelete requires the operator to retype the schedule ID. Deleting a
// schedule cascades to its instance history.
func confirmDelete(opts deleteOptions) error {
	if opts.Force {
		return nil
	}

	if err := writef(
		os.Stderr,
		"Deleting schedule %s also removes its instance history.\n"+
			"Type %q to continue or press enter to abort: ",
		opts.ID,
		opts.ID,
	); err != nil {
		return fmt.Errorf("print delete prompt: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	resp, err := reader.ReadString('\n')
	if err != nil {
		return errAborted
	}
	if strings.TrimSpace(resp) != opts.ID {
		if writeErr := writeln(os.Stderr, "Confirmation did not match; aborting."); writeErr != nil {
			return fmt.Errorf("print delete abort notice: %w", writeErr)
		}
		return errAborted
	}
	return nil
}

type validateOptions struct {
	Cron     string
	Timezone string
	Count    int
	JSON     bool
}

func parseValidateFlags(args []string) (validateOptions, error) {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)

	opts := validateOptions{Count: 5}
	fs.StringVar(&opts.Timezone, "timezone", "", "IANA timezone for the firing preview")
	fs.IntVar(&opts.Count, "count", 5, "Number of upcoming firings to preview (max 10)")
	fs.BoolVar(&opts.JSON, "json", false, "Print the validation result as JSON")

	if err := parseFlags(fs, args); err != nil {
		return validateOptions{}, err
	}

	if fs.NArg() != 1 {
		return validateOptions{}, apperrors.Validation("usage: validate [flags] <cron>")
	}
	opts.Cron = strings.TrimSpace(fs.Arg(0))
	if opts.Cron == "" {
		return validateOptions{}, apperrors.ValidationField("cron", "is required")
	}
	return opts, nil
}

func runValidate(cmdCtx *commandContext, args []string) error {
	opts, err := parseValidateFlags(args)
	if err != nil {
		return err
	}

	// Validation is a pure computation; no store is needed.
	result := newManager(cmdCtx, nil).Validate(opts.Cron, opts.Timezone, opts.Count)

	if opts.JSON {
		if printErr := printJSON(result); printErr != nil {
			return printErr
		}
	} else if printErr := printValidationResult(opts.Cron, result); printErr != nil {
		return printErr
	}

	if !result.Valid {
		return apperrors.Validation("invalid cron expression")
	}
	return nil
}

func printValidationResult(cronText string, result service.ValidationResult) error {
	if !result.Valid {
		if err := writef(os.Stdout, "expression %q is invalid:\n", cronText); err != nil {
			return fmt.Errorf("print validation verdict: %w", err)
		}
		for _, msg := range result.Errors {
			if err := writef(os.Stdout, "  %s\n", msg); err != nil {
				return fmt.Errorf("print validation error: %w", err)
			}
		}
		return nil
	}

	if err := writef(os.Stdout, "expression %q is valid\n", cronText); err != nil {
		return fmt.Errorf("print validation verdict: %w", err)
	}
	if len(result.NextRuns) == 0 {
		return nil
	}
	if err := writeln(os.Stdout, "upcoming firings:"); err != nil {
		return fmt.Errorf("print firing header: %w", err)
	}
	for _, run := range result.NextRuns {
		if err := writef(os.Stdout, "  %s\n", run.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("print firing: %w", err)
		}
	}
	return nil
}

func printScheduleTable(schedules []domain.Schedule) error {
	if len(schedules) == 0 {
		return writeln(os.Stdout, "(no schedules)")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tTASK\tCRON\tTZ\tENABLED\tNEXT RUN\tRUNS\tPOLICY\tLAST ERROR"); err != nil {
		return fmt.Errorf("write schedule header: %w", err)
	}
	for i := range schedules {
		s := &schedules[i]
		lastError := ""
		if s.LastError != nil {
			lastError = *s.LastError
		}
		if err := writef(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
			s.ID,
			s.TemplateTaskID,
			s.CronExpression,
			s.Timezone,
			s.Enabled,
			s.NextRunAt.Format(time.RFC3339),
			s.RunCount,
			s.OverlapPolicy,
			lastError,
		); err != nil {
			return fmt.Errorf("write schedule row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush schedule table: %w", err)
	}
	return nil
}

func printScheduleDetail(s *domain.Schedule) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"ID", s.ID},
		{"Task", s.TemplateTaskID},
		{"Cron", s.CronExpression},
		{"Timezone", s.Timezone},
		{"Enabled", fmt.Sprintf("%t", s.Enabled)},
		{"Next Run", s.NextRunAt.Format(time.RFC3339)},
		{"Max Instances", fmt.Sprintf("%d", s.MaxInstances)},
		{"Overlap Policy", string(s.OverlapPolicy)},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("write schedule field %q: %w", row.label, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush schedule detail: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json output: %w", err)
	}
	return nil
}

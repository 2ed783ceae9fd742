package metrics

import (
	"time"

	"github.com/mediaforge/taskcron/internal/core"
	obserrors "github.com/mediaforge/taskcron/internal/observability/errors"
	"github.com/mediaforge/taskcron/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// TickMetric captures one scheduler tick for metric emission.
type TickMetric struct {
	Result   core.TickResult
	Duration time.Duration
	Err      error
}

// EmitTick emits standardised scheduler tick metrics.
func EmitTick(sink statsd.Sink, in TickMetric) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case in.Result.Due == 0:
		result = ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("scheduler.tick", 1, tags)

	if in.Duration > 0 {
		sink.Timing("scheduler.tick_duration", in.Duration, CloneTags(tags))
	}

	emitTickCounter(sink, "scheduler.due", in.Result.Due)
	emitTickCounter(sink, "scheduler.materialized", in.Result.Materialized)
	emitTickCounter(sink, "scheduler.advanced", in.Result.Advanced)
	emitTickCounter(sink, "scheduler.replaced", in.Result.Replaced)
	emitTickCounter(sink, "scheduler.conflicts", in.Result.Conflicts)
	emitTickCounter(sink, "scheduler.errors", in.Result.Errors)

	if in.Err == nil {
		sink.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func emitTickCounter(sink statsd.Sink, name string, value int) {
	if value <= 0 {
		return
	}
	sink.Count(name, int64(value), nil)
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

package testutil

import (
	"os"
	"testing"
)

const (
	testDBDefaultUser     = "taskcron"
	testDBDefaultPassword = "taskcron"
	testDBDefaultName     = "taskcron"
)

func TestDefaultTestDBConfig(t *testing.T) {
	// Save original env vars
	origHost := os.Getenv("TEST_DB_HOST")
	origPort := os.Getenv("TEST_DB_PORT")
	origUser := os.Getenv("TEST_DB_USER")
	origPassword := os.Getenv("TEST_DB_PASSWORD")
	origName := os.Getenv("TEST_DB_NAME")

	// Restore env vars after test
	defer func() {
		setOrUnset("TEST_DB_HOST", origHost)
		setOrUnset("TEST_DB_PORT", origPort)
		setOrUnset("TEST_DB_USER", origUser)
		setOrUnset("TEST_DB_PASSWORD", origPassword)
		setOrUnset("TEST_DB_NAME", origName)
	}()

	os.Unsetenv("TEST_DB_HOST")
	os.Unsetenv("TEST_DB_PORT")
	os.Unsetenv("TEST_DB_USER")
	os.Unsetenv("TEST_DB_PASSWORD")
	os.Unsetenv("TEST_DB_NAME")

	cfg := DefaultTestDBConfig()
	if cfg.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", cfg.Host)
	}
	if cfg.Port != "55432" {
		t.Errorf("expected port 55432, got %s", cfg.Port)
	}
	if cfg.User != testDBDefaultUser {
		t.Errorf("expected user %s, got %s", testDBDefaultUser, cfg.User)
	}
	if cfg.Password != testDBDefaultPassword {
		t.Errorf("expected password %s, got %s", testDBDefaultPassword, cfg.Password)
	}
	if cfg.DBName != testDBDefaultName {
		t.Errorf("expected db name %s, got %s", testDBDefaultName, cfg.DBName)
	}
}

func TestDefaultTestDBConfigEnvOverrides(t *testing.T) {
	origPort := os.Getenv("TEST_DB_PORT")
	defer setOrUnset("TEST_DB_PORT", origPort)

	os.Setenv("TEST_DB_PORT", "5432")
	cfg := DefaultTestDBConfig()
	if cfg.Port != "5432" {
		t.Errorf("expected port override 5432, got %s", cfg.Port)
	}
}

func setOrUnset(key, value string) {
	if value == "" {
		os.Unsetenv(key)
		return
	}
	os.Setenv(key, value)
}

package flow

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvMaxConcurrentExecutions = "CANAL_MAX_CONCURRENT_EXECUTIONS"
	EnvDefaultExecutionTimeout = "CANAL_DEFAULT_EXECUTION_TIMEOUT"
	EnvLogRetentionDays        = "CANAL_LOG_RETENTION_DAYS"
	EnvExpressionTimeout       = "CANAL_EXPRESSION_TIMEOUT"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultLogRetentionDays = 30
)

// Config carries the process-level engine knobs. Zero values mean
// "no limit" for MaxConcurrentExecutions and "package default" for the
// rest.
type Config struct {
	// MaxConcurrentExecutions caps executions running at once across the
	// whole engine; 0 disables the cap.
	MaxConcurrentExecutions int
	// ExecutionTimeout bounds executions whose settings carry no timeout
	// of their own.
	ExecutionTimeout time.Duration
	// LogRetentionDays drives periodic journal purging in the daemon; the
	// engine itself never deletes.
	LogRetentionDays int
	// ExpressionTimeout bounds a single expression evaluation; 0 keeps
	// the evaluator's default.
	ExpressionTimeout time.Duration
}

// DefaultConfig returns the configuration used when no environment or
// option overrides it.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: DefaultExecutionTimeout,
		LogRetentionDays: DefaultLogRetentionDays,
	}
}

// ConfigFromEnv builds a Config from the CANAL_* environment variables,
// falling back to DefaultConfig for anything unset. Durations accept
// time.ParseDuration syntax or a bare number of seconds.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	n, err := envInt(EnvMaxConcurrentExecutions, cfg.MaxConcurrentExecutions)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentExecutions = n

	d, err := envDuration(EnvDefaultExecutionTimeout, cfg.ExecutionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExecutionTimeout = d

	n, err = envInt(EnvLogRetentionDays, cfg.LogRetentionDays)
	if err != nil {
		return Config{}, err
	}
	cfg.LogRetentionDays = n

	d, err = envDuration(EnvExpressionTimeout, cfg.ExpressionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExpressionTimeout = d

	return cfg, nil
}

func envInt(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: %q is not a non-negative integer", name, v)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("%s: duration must not be negative", name)
		}
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("%s: %q is not a duration or a number of seconds", name, v)
}

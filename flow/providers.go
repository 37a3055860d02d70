package flow

import (
	"context"
	"errors"
	"os"
)

// ErrCredentialNotFound is returned by credential providers for an unknown
// reference.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialProvider resolves an opaque credential reference into its
// fields. Storage and encryption live outside the core; executors only see
// the resolved field map.
type CredentialProvider interface {
	Get(ctx context.Context, ref string) (map[string]string, error)
}

// StaticCredentials is a fixed in-memory CredentialProvider, useful for
// tests and single-tenant deployments.
type StaticCredentials map[string]map[string]string

func (s StaticCredentials) Get(_ context.Context, ref string) (map[string]string, error) {
	fields, ok := s[ref]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

// EnvironmentProvider supplies named variables to $env lookups. The process
// environment is consulted as a fallback after the provider.
type EnvironmentProvider interface {
	Get(name string) (string, bool)
}

// MapEnv is an EnvironmentProvider backed by a plain map.
type MapEnv map[string]string

func (m MapEnv) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// ProcessEnv reads from the process environment.
type ProcessEnv struct{}

func (ProcessEnv) Get(name string) (string, bool) { return os.LookupEnv(name) }

// Package coreerrors defines the error taxonomy shared across the core's
// services, per spec.md section 7. Callers distinguish error kinds with
// errors.As rather than string matching.
package coreerrors

import "fmt"

// ConfigValidationError is raised when a dynamic-config or user-preference
// write fails validation. The write is never applied.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %q: %s", e.Field, e.Reason)
}

func NewConfigValidationError(field, reason string) *ConfigValidationError {
	return &ConfigValidationError{Field: field, Reason: reason}
}

// ConnectionTimeoutError is raised when the connection pool could not hand
// out a connection within its configured timeout. Callers are expected to
// surface this as a transient (HTTP 503-equivalent) failure.
type ConnectionTimeoutError struct {
	TimeoutSeconds float64
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire connection within %.0fs timeout", e.TimeoutSeconds)
}

// ConnectionPoolError is raised when the pool itself is unusable (closed,
// misconfigured). Fatal to the request that triggered it.
type ConnectionPoolError struct {
	Reason string
}

func (e *ConnectionPoolError) Error() string {
	return "connection pool error: " + e.Reason
}

func NewConnectionPoolError(reason string) *ConnectionPoolError {
	return &ConnectionPoolError{Reason: reason}
}

// AuthenticationError is raised on bad credentials or an unmatched
// federated-callback identity. The Reason is deliberately generic for
// credential failures per spec.md section 7.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

func NewAuthenticationError(reason string) *AuthenticationError {
	return &AuthenticationError{Reason: reason}
}

// AuthorizationError is raised when an authenticated caller lacks the
// privilege (e.g. is_admin) a thin admin operation requires.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

func NewAuthorizationError(reason string) *AuthorizationError {
	return &AuthorizationError{Reason: reason}
}

// PromptNotFoundError is raised when a referenced prompt file is absent.
type PromptNotFoundError struct {
	Name string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt %q not found", e.Name)
}

// ConfigurationError is raised when required deployment configuration is
// absent (e.g. BYOK_ENCRYPTION_KEY unset when storing an API key).
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func NewConfigurationError(reason string) *ConfigurationError {
	return &ConfigurationError{Reason: reason}
}

// MigrationBlocked is raised when a migration step's structural
// precondition is unmet (e.g. legacy references still exist). Never
// retried automatically.
type MigrationBlocked struct {
	Migration string
	Reason    string
}

func (e *MigrationBlocked) Error() string {
	return fmt.Sprintf("migration %q blocked: %s", e.Migration, e.Reason)
}

func NewMigrationBlocked(migration, reason string) *MigrationBlocked {
	return &MigrationBlocked{Migration: migration, Reason: reason}
}

// Package taxonomy defines the typed error and event vocabulary shared by
// every engine subsystem: the dependency registry, HTTP access client,
// credential manager, cloud file service, and orchestrator all raise and
// report through these types instead of ad hoc strings.
package taxonomy

import (
	"fmt"

	"github.com/google/uuid"
)

// Error codes, stable across releases — callers may switch on these.
const (
	CodeDependencyTimeout       = "DEPENDENCY_TIMEOUT"
	CodeDependencyLoadError     = "DEPENDENCY_LOAD_ERROR"
	CodeCORSError               = "CORS_ERROR"
	CodeProxyFailed             = "PROXY_FAILED"
	CodeNetworkError            = "NETWORK_ERROR"
	CodeUnsupportedFormat       = "UNSUPPORTED_FORMAT"
	CodeUnsupportedAuthMethod   = "UNSUPPORTED_AUTH_METHOD"
	CodeNoOAuth2Token           = "NO_OAUTH2_TOKEN"
	CodeTokenRefreshFailed      = "TOKEN_REFRESH_FAILED"
	CodeSchemaError             = "SCHEMA_ERROR"
	CodeBatchFailed             = "BATCH_FAILED"
	CodeTableRegistrationFailed = "TABLE_REGISTRATION_FAILED"
	CodeQueryFailed             = "QUERY_FAILED"
)

// HTTPStatusCode formats the HTTP_<status> family of codes.
func HTTPStatusCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// DependencyLoadCode formats the <DEP>_LOAD_ERROR family of codes.
func DependencyLoadCode(dependency string) string {
	return fmt.Sprintf("%s_LOAD_ERROR", dependency)
}

// Error is the typed error raised across subsystem boundaries. It satisfies
// the error interface and carries enough context for the facade to surface
// actionable troubleshooting without the caller re-deriving it.
type Error struct {
	ID              string
	Code            string
	Message         string
	Source          string // subsystem that raised it: "registry", "httpfetch", "credentials", ...
	Provider        string // cloud provider tag, when applicable
	Dependency      string // dependency name, when applicable
	RetryCount      int
	Troubleshooting []string
	Context         map[string]any
	Cause           error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error, stamping a fresh correlation id.
func New(code, source, format string, args ...any) *Error {
	return &Error{
		ID:      uuid.NewString(),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Source:  source,
	}
}

// Wrap builds an Error around an existing error, preserving it via Unwrap.
func Wrap(code, source string, cause error, format string, args ...any) *Error {
	e := New(code, source, format, args...)
	e.Cause = cause
	return e
}

// WithProvider sets the cloud provider tag and returns the same Error for chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDependency sets the dependency name and returns the same Error for chaining.
func (e *Error) WithDependency(dependency string) *Error {
	e.Dependency = dependency
	return e
}

// WithRetryCount records how many attempts preceded this failure.
func (e *Error) WithRetryCount(n int) *Error {
	e.RetryCount = n
	return e
}

// WithTroubleshooting attaches human-facing remediation hints.
func (e *Error) WithTroubleshooting(hints ...string) *Error {
	e.Troubleshooting = append(e.Troubleshooting, hints...)
	return e
}

// WithContext attaches a single opaque context key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

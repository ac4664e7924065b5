package logging

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// Fields contains structured fields automatically added to all logs within a
// context. Fields flow through context enrichment, so business context
// (session id, project key, step number) is included in every log
// statement without threading it through every call site.
type Fields struct {
	SessionID   *string
	ProjectKey  *string
	StepNumber  *int
	Mode        *string
	Component   string
}

// WithFields enriches context with structured log fields. Multiple calls
// merge fields, with newer non-nil/non-empty values taking precedence.
func WithFields(ctx context.Context, fields Fields) context.Context {
	existing := FieldsFromContext(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// FieldsFromContext retrieves log fields from context. Returns an empty
// Fields if none are set.
func FieldsFromContext(ctx context.Context) Fields {
	if fields, ok := ctx.Value(logFieldsKey).(Fields); ok {
		return fields
	}
	return Fields{}
}

func mergeFields(existing, next Fields) Fields {
	result := existing
	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.ProjectKey != nil {
		result.ProjectKey = next.ProjectKey
	}
	if next.StepNumber != nil {
		result.StepNumber = next.StepNumber
	}
	if next.Mode != nil {
		result.Mode = next.Mode
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

// Ptr is a helper to create a pointer from a value, for inline Fields
// literals: logging.WithFields(ctx, logging.Fields{SessionID: logging.Ptr(id)}).
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if
// truncated. Used when logging potentially long prompts or atom payloads.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

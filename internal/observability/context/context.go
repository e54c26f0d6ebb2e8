package context

import (
	stdcontext "context"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "obs_request_id"
	subjectIDKey contextKey = "obs_subject_id"
)

// WithRequestID stores the inbound request identifier.
func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithSubjectID stores the resolved subject once identity resolution succeeds.
func WithSubjectID(ctx stdcontext.Context, subjectID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, subjectIDKey, strings.TrimSpace(subjectID))
}

func SubjectIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(subjectIDKey).(string)
	return value
}

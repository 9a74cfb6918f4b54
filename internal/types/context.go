package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
	jobRunKey    contextKey = "job_run_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a Logger in the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the Logger from the context, or nil.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return nil
}

// WithJobRunID tags a context with the cron run that produced it so the
// messages a job enqueues can be traced back to the run.
func WithJobRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, jobRunKey, runID)
}

// GetJobRunID returns the run ID set by WithJobRunID.
func GetJobRunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobRunKey).(string)
	return id, ok && id != ""
}

package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> crmsync).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyTriggerSource records what started the current replay:
	// "webhook:crm", "webhook:rental", "manual", "retry" or "queued".
	ContextKeyTriggerSource = ContextKey("TriggerSource")

	// ContextKeySyncRunId is set while a batch sync run is executing so that
	// per-item logs can be attributed to the run.
	ContextKeySyncRunId = ContextKey("SyncRunId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetUint(ctx context.Context, key ContextKey) (uint, bool) {
	v, ok := ctx.Value(key).(uint)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetTriggerSource(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyTriggerSource)
}

func SetTriggerSource(ctx context.Context, source string) context.Context {
	return Set(ctx, ContextKeyTriggerSource, source)
}

func GetSyncRunId(ctx context.Context) (uint, bool) {
	return GetUint(ctx, ContextKeySyncRunId)
}

func SetSyncRunId(ctx context.Context, runId uint) context.Context {
	return Set(ctx, ContextKeySyncRunId, runId)
}

package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting principal's identifier in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting principal, falling back to "SYSTEM"
// when none is set (background jobs, event consumers).
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return "SYSTEM"
}

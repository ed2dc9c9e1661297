package importer

import "context"

type contextKey string

const ctxKeyCreator contextKey = "import_creator"

// DefaultCreator is recorded when the request carries no identity.
const DefaultCreator = "system"

// ContextWithCreator attaches the identity recorded as a run's creator.
func ContextWithCreator(ctx context.Context, creator string) context.Context {
	return context.WithValue(ctx, ctxKeyCreator, creator)
}

// CreatorFromContext returns the creator identity, or DefaultCreator.
func CreatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCreator).(string); ok && v != "" {
		return v
	}
	return DefaultCreator
}

package resource

import "context"

type ambientKey struct{}

// WithAmbient returns a context carrying l as the ambient loader.
func WithAmbient(ctx context.Context, l Loader) context.Context {
	return context.WithValue(ctx, ambientKey{}, l)
}

// AmbientFrom returns the ambient loader carried by ctx, if any.
func AmbientFrom(ctx context.Context) (Loader, bool) {
	if v := ctx.Value(ambientKey{}); v != nil {
		if l, ok := v.(Loader); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

// AmbientProvider obtains the ambient loader for a call.
// A nil Loader means none is available. An error means it could not be
// obtained; the Resolver treats that the same as none.
type AmbientProvider func(ctx context.Context) (Loader, error)

// ContextAmbient is the default AmbientProvider, backed by AmbientFrom.
func ContextAmbient(ctx context.Context) (Loader, error) {
	l, _ := AmbientFrom(ctx)
	return l, nil
}

package httpmw

import "net/http"

// Middleware is the standard net/http decorator shape
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so the first middleware is outermost. nil entries are skipped,
// which lets callers leave optional middleware in place unconditionally.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// MaxBody caps request bodies. The API never reads one, so this only bounds
// what a misbehaving client can make the server buffer.
func MaxBody(n int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

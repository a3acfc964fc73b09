// Package resourcehttp exposes the resolver over HTTP.
//
//	GET|HEAD /resources/{key...}[?loader=name]
//	GET      /loaders
//
// The key is resolved explicit loader first (when ?loader names one), then
// the ambient loader attached to the request, then bundled resources, then
// the system search path.
package resourcehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-resources/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

// Resolver is satisfied by *resource.Resolver
type Resolver interface {
	Resolve(ctx context.Context, key string, explicit resource.Loader) (resource.Result, error)
}

type Options struct {
	Resolver Resolver

	// Explicit holds loaders callers may select with ?loader=name
	Explicit map[string]resource.Loader

	// Ambient, when set, is attached to every request context and so
	// consulted after the explicit loader
	Ambient resource.Loader

	// ContentTypes maps lowercase extensions (no dot) to media types
	ContentTypes map[string]string
}

type API struct {
	resolver     Resolver
	explicit     map[string]resource.Loader
	ambient      resource.Loader
	contentTypes map[string]string
}

func New(opts Options) (*API, error) {
	if opts.Resolver == nil {
		return nil, xerrors.New("resourcehttp: Resolver is required")
	}
	explicit := make(map[string]resource.Loader, len(opts.Explicit))
	for name, l := range opts.Explicit {
		if name == "" || l == nil {
			return nil, xerrors.Newf("resourcehttp: invalid explicit loader %q", name)
		}
		explicit[name] = l
	}
	return &API{
		resolver:     opts.Resolver,
		explicit:     explicit,
		ambient:      opts.Ambient,
		contentTypes: opts.ContentTypes,
	}, nil
}

// RegisterRoutes mounts the API on r
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/resources", func(r chi.Router) {
		r.Use(httpmw.Scope("resources"))
		r.Use(a.withAmbient)
		r.Get("/*", a.serveResource)
		r.Head("/*", a.serveResource)
	})
	r.With(httpmw.Scope("loaders")).Get("/loaders", a.serveLoaders)
}

// withAmbient attaches the configured ambient loader to the request context
func (a *API) withAmbient(next http.Handler) http.Handler {
	if a.ambient == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(resource.WithAmbient(r.Context(), a.ambient)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// keyFromRequest returns the decoded wildcard. chi matches on RawPath when
// the request has one, leaving escapes in the parameter.
func keyFromRequest(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

func (a *API) serveResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	key, err := keyFromRequest(r)
	if err == nil {
		err = pathutil.CheckKey(key)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid key: " + err.Error()})
		return
	}

	var explicit resource.Loader
	name := r.URL.Query().Get("loader")
	if name != "" {
		l, ok := a.explicit[name]
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown loader"})
			return
		}
		explicit = l
	}

	res, err := a.resolver.Resolve(ctx, key, explicit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// client went away
			return
		}
		L.Error(ctx, err, "resource resolution failed", "resource.key", key, "loader", name)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "loader failure"})
		return
	}
	if !res.Found() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	defer res.Stream.Close()

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("resource.strategy", string(res.Strategy)))
	}

	h := w.Header()
	h.Set("Content-Type", contentType(a.contentTypes, res.Key))
	h.Set(httpmw.SourceHeader, string(res.Strategy))
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, res.Stream); err != nil {
		L.Warn(ctx, "resource copy interrupted", "resource.key", res.Key, "error", err)
	}
}

type loadersBody struct {
	Explicit []string `json:"explicit"`
	Ambient  bool     `json:"ambient"`
}

func (a *API) serveLoaders(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(a.explicit))
	for n := range a.explicit {
		names = append(names, n)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, loadersBody{Explicit: names, Ambient: a.ambient != nil})
}

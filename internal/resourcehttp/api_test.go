package resourcehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-resources/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
)

type fixture struct {
	handler http.Handler
}

func mapLoader(files map[string]string) *resource.FSLoader {
	m := fstest.MapFS{}
	for name, data := range files {
		m[name] = &fstest.MapFile{Data: []byte(data)}
	}
	return resource.NewFSLoader(m, "")
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	if opts.Resolver == nil {
		opts.Resolver = resource.New(resource.Options{
			Module: mapLoader(map[string]string{
				"app.properties":  "source=module",
				"shared.xml":      "<module/>",
				"nested/deep.txt": "deep",
			}),
			System: mapLoader(map[string]string{
				"system.conf": "source=system",
			}),
		})
	}
	if opts.ContentTypes == nil {
		opts.ContentTypes = map[string]string{"properties": "text/plain; charset=utf-8"}
	}
	api, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return fixture{handler: r}
}

func (f fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q is not a JSON error: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestNew_RequiresResolver(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
	r := resource.New(resource.Options{})
	if _, err := New(Options{Resolver: r, Explicit: map[string]resource.Loader{"x": nil}}); err == nil {
		t.Fatal("nil explicit loader should be rejected")
	}
}

func TestServe_ModuleHit(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/resources/app.properties")

	if rec.Code != http.StatusOK || rec.Body.String() != "source=module" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(httpmw.SourceHeader) != "module" {
		t.Fatalf("source = %q", rec.Header().Get(httpmw.SourceHeader))
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestServe_NestedAndSystem(t *testing.T) {
	f := newFixture(t, Options{})

	if rec := f.do(http.MethodGet, "/resources/nested/deep.txt"); rec.Body.String() != "deep" {
		t.Fatalf("nested = %d %q", rec.Code, rec.Body.String())
	}
	rec := f.do(http.MethodGet, "/resources/system.conf")
	if rec.Code != http.StatusOK || rec.Header().Get(httpmw.SourceHeader) != "system" {
		t.Fatalf("system = %d %v", rec.Code, rec.Header())
	}
}

func TestServe_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/resources/missing.properties")
	if rec.Code != http.StatusNotFound || errorOf(t, rec) != "not found" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(httpmw.SourceHeader) != "" {
		t.Fatal("absent resources carry no source header")
	}
}

func TestServe_Head(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodHead, "/resources/app.properties")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("HEAD = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get(httpmw.SourceHeader) != "module" {
		t.Fatal("HEAD should report the source")
	}
}

func TestServe_InvalidKeys(t *testing.T) {
	f := newFixture(t, Options{})
	for _, target := range []string{
		"/resources/../etc/passwd",
		"/resources/a/./b",
		"/resources/%2e%2e/secret",
		"/resources/a%00b",
		"/resources/a%5Cb",
		"/resources/a//b",
		"/resources/",
	} {
		rec := f.do(http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
			continue
		}
		if !strings.HasPrefix(errorOf(t, rec), "invalid key") {
			t.Errorf("%s: error = %q", target, rec.Body.String())
		}
	}
}

func TestServe_EscapedKeyDecoded(t *testing.T) {
	f := newFixture(t, Options{
		Resolver: resource.New(resource.Options{
			Module: mapLoader(map[string]string{"with space.txt": "spaced"}),
		}),
	})
	if rec := f.do(http.MethodGet, "/resources/with%20space.txt"); rec.Body.String() != "spaced" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServe_ExplicitLoader(t *testing.T) {
	f := newFixture(t, Options{
		Explicit: map[string]resource.Loader{
			"tenant": mapLoader(map[string]string{"app.properties": "source=tenant"}),
		},
	})

	rec := f.do(http.MethodGet, "/resources/app.properties?loader=tenant")
	if rec.Body.String() != "source=tenant" || rec.Header().Get(httpmw.SourceHeader) != "explicit" {
		t.Fatalf("explicit = %q %v", rec.Body.String(), rec.Header())
	}

	// explicit miss falls through to the module loader
	rec = f.do(http.MethodGet, "/resources/shared.xml?loader=tenant")
	if rec.Header().Get(httpmw.SourceHeader) != "module" {
		t.Fatalf("fallthrough source = %q", rec.Header().Get(httpmw.SourceHeader))
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Fatalf("xml content type = %q", ct)
	}

	rec = f.do(http.MethodGet, "/resources/app.properties?loader=nope")
	if rec.Code != http.StatusBadRequest || errorOf(t, rec) != "unknown loader" {
		t.Fatalf("unknown loader = %d %q", rec.Code, rec.Body.String())
	}
}

func TestServe_AmbientOverlay(t *testing.T) {
	f := newFixture(t, Options{
		Ambient: mapLoader(map[string]string{"app.properties": "source=ambient"}),
		Explicit: map[string]resource.Loader{
			"tenant": mapLoader(map[string]string{"app.properties": "source=tenant"}),
		},
	})

	rec := f.do(http.MethodGet, "/resources/app.properties")
	if rec.Body.String() != "source=ambient" || rec.Header().Get(httpmw.SourceHeader) != "ambient" {
		t.Fatalf("ambient = %q", rec.Body.String())
	}

	// explicit still wins over ambient
	rec = f.do(http.MethodGet, "/resources/app.properties?loader=tenant")
	if rec.Body.String() != "source=tenant" {
		t.Fatalf("explicit over ambient = %q", rec.Body.String())
	}

	// ambient misses fall through
	rec = f.do(http.MethodGet, "/resources/shared.xml")
	if rec.Header().Get(httpmw.SourceHeader) != "module" {
		t.Fatalf("ambient miss source = %q", rec.Header().Get(httpmw.SourceHeader))
	}
}

func TestServe_LoaderFault(t *testing.T) {
	broken := resource.LoaderFunc(func(context.Context, string) (io.ReadCloser, error) {
		return nil, errors.New("permission denied")
	})
	f := newFixture(t, Options{Explicit: map[string]resource.Loader{"broken": broken}})

	rec := f.do(http.MethodGet, "/resources/app.properties?loader=broken")
	if rec.Code != http.StatusBadGateway || errorOf(t, rec) != "loader failure" {
		t.Fatalf("fault = %d %q", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "permission") {
		t.Fatal("loader error details must not leak to clients")
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error { c.closed = true; return nil }

type fixedResolver struct{ res resource.Result }

func (f fixedResolver) Resolve(context.Context, string, resource.Loader) (resource.Result, error) {
	return f.res, nil
}

func TestServe_ClosesStream(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		stream := &closeTracker{Reader: strings.NewReader("data")}
		f := newFixture(t, Options{Resolver: fixedResolver{resource.Result{
			Key: "x.bin", Stream: stream, Strategy: resource.StrategySystem,
		}}})

		rec := f.do(method, "/resources/x.bin")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", method, rec.Code)
		}
		if !stream.closed {
			t.Fatalf("%s: stream not closed", method)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
			t.Fatalf("%s: content type %q", method, ct)
		}
	}
}

func TestServeLoaders(t *testing.T) {
	f := newFixture(t, Options{
		Ambient: mapLoader(nil),
		Explicit: map[string]resource.Loader{
			"zeta":  mapLoader(nil),
			"alpha": mapLoader(nil),
		},
	})
	rec := f.do(http.MethodGet, "/loaders")
	var body loadersBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if strings.Join(body.Explicit, ",") != "alpha,zeta" || !body.Ambient {
		t.Fatalf("loaders = %+v", body)
	}
}

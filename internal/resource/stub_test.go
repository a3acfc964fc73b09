package resource

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
)

// stubLoader serves fixed contents and records every name it was asked for.
type stubLoader struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	calls []string
}

func newStub(files map[string]string) *stubLoader {
	return &stubLoader{files: files}
}

func (s *stubLoader) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.files[name]
	if !ok {
		return nil, NotFound(name)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (s *stubLoader) queried() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls) > 0
}

func (s *stubLoader) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fixedLoader always returns the same stream
type fixedLoader struct{ rc io.ReadCloser }

func (f fixedLoader) Open(context.Context, string) (io.ReadCloser, error) { return f.rc, nil }

func readAll(t testing.TB, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

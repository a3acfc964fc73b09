package resource

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

// Loader opens a resource by name.
// A missing resource is reported with an error matching fs.ErrNotExist.
type Loader interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(ctx context.Context, name string) (io.ReadCloser, error)

func (f LoaderFunc) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return f(ctx, name)
}

// IsNotFound reports whether err means the loader has no such resource.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// NotFound returns the error loaders use to report a missing resource.
func NotFound(name string) error {
	return &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// FSLoader serves resources from an fs.FS.
//
// Names with a leading "/" are resolved from the root of FS, other names
// are resolved under Base. Directories and names that are not valid
// fs paths are reported as not found.
type FSLoader struct {
	FS   fs.FS
	Base string
}

func NewFSLoader(fsys fs.FS, base string) *FSLoader {
	return &FSLoader{FS: fsys, Base: strings.Trim(base, "/")}
}

func (l *FSLoader) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if l == nil || l.FS == nil {
		return nil, NotFound(name)
	}
	p, ok := l.fsName(name)
	if !ok {
		return nil, NotFound(name)
	}

	f, err := l.FS.Open(p)
	if err != nil {
		if IsNotFound(err) || errors.Is(err, fs.ErrInvalid) {
			return nil, NotFound(name)
		}
		return nil, xerrors.Wrapf(err, "open %s", p)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Wrapf(err, "stat %s", p)
	}
	if info.IsDir() {
		f.Close()
		return nil, NotFound(name)
	}
	return f, nil
}

// fsName maps a loader name to a path within FS
func (l *FSLoader) fsName(name string) (string, bool) {
	rel, abs := strings.CutPrefix(name, "/")
	if rel == "" {
		rel = "."
	}
	if !fs.ValidPath(rel) {
		return "", false
	}
	if abs || l.Base == "" || l.Base == "." {
		return rel, true
	}
	if rel == "." {
		return l.Base, true
	}
	return l.Base + "/" + rel, true
}

type chain []Loader

// Chain returns a Loader that tries each loader in order. The first stream
// wins; the first error other than not-found stops the walk. Nil loaders are
// skipped.
func Chain(loaders ...Loader) Loader {
	c := make(chain, 0, len(loaders))
	for _, l := range loaders {
		if l != nil {
			c = append(c, l)
		}
	}
	return c
}

func (c chain) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	for _, l := range c {
		rc, err := open(ctx, l, name)
		if err != nil {
			return nil, err
		}
		if rc != nil {
			return rc, nil
		}
	}
	return nil, NotFound(name)
}

// SearchPath returns a Chain of directory loaders, searched in the given order.
// Empty entries are ignored.
func SearchPath(dirs ...string) Loader {
	loaders := make([]Loader, 0, len(dirs))
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d == "" {
			continue
		}
		loaders = append(loaders, &FSLoader{FS: os.DirFS(d)})
	}
	return Chain(loaders...)
}

// open calls l.Open and folds not-found and (nil, nil) into a nil stream
// with a nil error.
func open(ctx context.Context, l Loader, name string) (io.ReadCloser, error) {
	rc, err := l.Open(ctx, name)
	if err != nil {
		if rc != nil {
			rc.Close()
		}
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return rc, nil
}

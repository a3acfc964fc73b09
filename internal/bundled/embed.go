// Package bundled holds the resources compiled into the binary. Its Loader is
// the resolver's module loader.
package bundled

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
)

// resources/ must contain at least one file to satisfy go:embed
//
//go:embed resources
var embedded embed.FS

// Base is the directory that relative names resolve under
const Base = "defaults"

// FS returns the embedded tree rooted at resources/
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "resources")
	if err != nil {
		panic(fmt.Errorf("bundled: resources subfs: %w", err))
	}
	return sub
}

// Loader returns the module loader: absolute names resolve from the root of
// FS, relative names under Base.
func Loader() *resource.FSLoader {
	return resource.NewFSLoader(FS(), Base)
}

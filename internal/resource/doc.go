// Package resource locates named resources through an ordered set of loaders.
//
// A [Resolver] tries, in order:
//   - an explicit [Loader] supplied by the caller
//   - the ambient loader carried on the context ([WithAmbient])
//   - the module loader, with the key made absolute
//   - the system loader (usually a [SearchPath])
//
// The first loader that yields a stream wins. A key with a leading "/" is
// treated the same as the key without it, except for the module loader which
// always receives exactly one leading "/".
//
// Absence is not an error: [Result.Found] reports whether a stream was
// obtained. Loaders report absence with an error matching [fs.ErrNotExist];
// any other loader error is returned to the caller.
package resource

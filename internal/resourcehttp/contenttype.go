package resourcehttp

import (
	"bufio"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

const defaultContentType = "application/octet-stream"

// ParseContentTypes reads "ext=type" lines as found in mime.properties.
// Blank lines and lines starting with # or ! are skipped; extensions are
// lowercased and may be given with or without the leading dot.
func ParseContentTypes(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' || s[0] == '!' {
			continue
		}
		ext, typ, ok := strings.Cut(s, "=")
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		typ = strings.TrimSpace(typ)
		if !ok || ext == "" || typ == "" {
			return nil, xerrors.Newf("content types line %d: want ext=type, got %q", line, s)
		}
		if _, _, err := mime.ParseMediaType(typ); err != nil {
			return nil, xerrors.Wrapf(err, "content types line %d", line)
		}
		out[ext] = typ
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Wrap(err, "read content types")
	}
	return out, nil
}

// contentType picks a type for key: configured overrides, then the platform
// table, then application/octet-stream.
func contentType(overrides map[string]string, key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		return defaultContentType
	}
	if t, ok := overrides[ext[1:]]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

package pathutil

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyKey     = errors.New("empty key")
	ErrNULByte      = errors.New("key contains NUL byte")
	ErrBackslash    = errors.New("key contains backslash")
	ErrDotSegment   = errors.New("key contains dot segment")
	ErrEmptySegment = errors.New("key contains empty segment")
	ErrInvalidUTF8  = errors.New("key is not valid UTF-8")
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CheckKey validates a resource key received from an untrusted caller.
// One leading slash is allowed; the rest must be plain slash-separated names.
func CheckKey(key string) error {
	k := strings.TrimPrefix(key, "/")
	switch {
	case k == "":
		return ErrEmptyKey
	case !utf8.ValidString(k):
		return ErrInvalidUTF8
	case strings.IndexByte(k, 0) >= 0:
		return ErrNULByte
	case strings.IndexByte(k, '\\') >= 0:
		return ErrBackslash
	case HasDotSegments(k):
		return ErrDotSegment
	}
	for _, seg := range strings.Split(k, "/") {
		if seg == "" {
			return ErrEmptySegment
		}
	}
	return nil
}

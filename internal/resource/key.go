package resource

import "strings"

// Normalize strips a single leading "/" from key.
func Normalize(key string) string {
	return strings.TrimPrefix(key, "/")
}

// Absolute returns the normalized key with exactly one leading "/".
func Absolute(key string) string {
	return "/" + Normalize(key)
}

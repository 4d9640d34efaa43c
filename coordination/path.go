package coordination

import (
	"net/url"
	"path"
	"strings"
)

// Join path components into an absolute node path.
func JoinPath(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// Split a node path into parent path and name.
func SplitPath(p string) (parent, name string) {
	parent, name = path.Split(p)
	if len(parent) > 1 {
		parent = strings.TrimSuffix(parent, "/")
	}
	return
}

// Encode an opaque name into a single URL-safe path component.
//
// Slashes are escaped, so the encoded name never introduces additional levels.
// The reserved components "." and ".." are escaped as well.
func EncodeName(name string) string {
	encoded := url.PathEscape(name)
	if encoded == "." || encoded == ".." {
		encoded = strings.ReplaceAll(encoded, ".", "%2E")
	}
	return encoded
}

// Decode a name encoded by EncodeName.
func DecodeName(encoded string) (string, error) {
	return url.PathUnescape(encoded)
}

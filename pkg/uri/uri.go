// Package uri provides the resource identifier used throughout the file tree.
//
// A URI is an immutable value: a scheme plus a cleaned, slash-separated absolute
// path. Only the operations the tree needs are provided (parent, display name,
// resolve, equal-or-parent and relative).
package uri

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// FileScheme is the scheme of local file-system URIs.
const FileScheme = "file"

// URI identifies a file or directory.
type URI struct {
	scheme string
	path   string
}

// File returns a file URI for an OS path.
func File(p string) URI {
	return URI{scheme: FileScheme, path: cleanPath(filepath.ToSlash(p))}
}

// Parse parses "scheme://..." strings. Anything without a scheme separator is
// treated as a file path.
func Parse(s string) (URI, error) {
	if s == "" {
		return URI{}, fmt.Errorf("empty uri")
	}
	if !strings.Contains(s, "://") {
		return File(s), nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("parse uri %q: %w", s, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("parse uri %q: missing scheme", s)
	}
	p := u.Path
	if u.Host != "" && u.Scheme != FileScheme {
		p = "/" + u.Host + p
	}
	return URI{scheme: strings.ToLower(u.Scheme), path: cleanPath(p)}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Scheme returns the URI scheme.
func (u URI) Scheme() string { return u.scheme }

// Path returns the slash-separated path component.
func (u URI) Path() string { return u.path }

// FilePath returns the path using the OS separator.
func (u URI) FilePath() string {
	p := u.path
	// "/C:/x" -> "C:/x" on drive-letter paths.
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// IsZero reports whether u is the zero URI.
func (u URI) IsZero() bool { return u.scheme == "" && u.path == "" }

// String renders the URI, escaping the path as needed.
func (u URI) String() string {
	if u.IsZero() {
		return ""
	}
	return (&url.URL{Scheme: u.scheme, Path: u.path}).String()
}

// Equal reports whether both URIs identify the same resource.
func (u URI) Equal(other URI) bool {
	return u.scheme == other.scheme && u.path == other.path
}

// DisplayName returns the last path segment ("" for the file-system root).
func (u URI) DisplayName() string {
	if u.path == "/" || u.path == "" {
		return ""
	}
	return path.Base(u.path)
}

// Parent returns the containing directory. The parent of the root is the root.
func (u URI) Parent() URI {
	return URI{scheme: u.scheme, path: path.Dir(u.path)}
}

// Resolve joins a relative name onto u.
func (u URI) Resolve(name string) URI {
	return URI{scheme: u.scheme, path: cleanPath(path.Join(u.path, filepath.ToSlash(name)))}
}

// IsEqualOrParent reports whether other is u or lives below u.
func (u URI) IsEqualOrParent(other URI) bool {
	if u.scheme != other.scheme {
		return false
	}
	if u.path == other.path {
		return true
	}
	if u.path == "/" {
		return true
	}
	return strings.HasPrefix(other.path, u.path+"/")
}

// Relative returns the path of other relative to u. ok is false when other is
// not u or a descendant of u.
func (u URI) Relative(other URI) (rel string, ok bool) {
	if !u.IsEqualOrParent(other) {
		return "", false
	}
	if u.path == other.path {
		return "", true
	}
	if u.path == "/" {
		return strings.TrimPrefix(other.path, "/"), true
	}
	return strings.TrimPrefix(other.path, u.path+"/"), true
}

// MarshalText implements encoding.TextMarshaler.
func (u URI) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *URI) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = URI{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

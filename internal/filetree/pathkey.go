package filetree

import (
	"strings"

	"github.com/fruitsalade/treesync/pkg/uri"
)

// PathKey addresses a node either by canonical tree path or by URI.
type PathKey struct {
	canonical string
	raw       uri.URI
	isRaw     bool
}

// Canonical keys a node by its tree path.
func Canonical(path string) PathKey {
	return PathKey{canonical: path}
}

// Raw keys a node by its URI; the owning root maps it to a tree path.
func Raw(u uri.URI) PathKey {
	return PathKey{raw: u, isRaw: true}
}

// ParseKey classifies a string once: "scheme://" strings are URIs, everything
// else is a canonical path.
func ParseKey(s string) (PathKey, error) {
	if !strings.Contains(s, "://") {
		return Canonical(s), nil
	}
	u, err := uri.Parse(s)
	if err != nil {
		return PathKey{}, err
	}
	return Raw(u), nil
}

// IsRaw reports whether the key carries a URI.
func (k PathKey) IsRaw() bool { return k.isRaw }

// URI returns the raw URI (zero for canonical keys).
func (k PathKey) URI() uri.URI { return k.raw }

func (k PathKey) String() string {
	if k.isRaw {
		return k.raw.String()
	}
	return k.canonical
}

package tree

import "strings"

// Path is the ordered tuple of identifiers from a bloc root down to a node. The
// empty path addresses the set of bloc roots.
type Path []string

// NewPath builds a path from identifiers.
func NewPath(ids ...string) Path {
	out := make(Path, len(ids))
	copy(out, ids)
	return out
}

// BlocID returns the root identifier, or empty for the empty path.
func (p Path) BlocID() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// CycleID returns the crop cycle segment when the path reaches that deep.
func (p Path) CycleID() (string, bool) {
	if len(p) < 2 {
		return "", false
	}
	return p[1], true
}

// Last returns the final identifier.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Parent returns the path without its final segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return NewPath(p[:len(p)-1]...)
}

// Child returns a new path extended by id.
func (p Path) Child(id string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

// WithLast returns a copy of the path with the final segment replaced.
func (p Path) WithLast(id string) Path {
	if len(p) == 0 {
		return nil
	}
	out := NewPath(p...)
	out[len(out)-1] = id
	return out
}

func (p Path) String() string {
	return "/" + strings.Join(p, "/")
}

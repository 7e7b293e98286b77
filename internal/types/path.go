package types

import (
	"fmt"
	"strings"
)

// ComponentPath is a slash-delimited identifier of a sub-part of a twin, for
// example "root/spindle/bearing_01". Paths form a prefix hierarchy by segment.
type ComponentPath string

// ParsePath normalizes and validates a raw component path.
func ParsePath(raw string) (ComponentPath, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty component path", ErrInvalidArgument)
	}
	segments := strings.Split(trimmed, "/")
	kept := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: component path %q contains relative segment", ErrInvalidArgument, raw)
		}
		kept = append(kept, seg)
	}
	return ComponentPath(strings.Join(kept, "/")), nil
}

// ParsePaths normalizes a list of raw paths, dropping duplicates while
// preserving order.
func ParsePaths(raw []string) ([]ComponentPath, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one component path is required", ErrInvalidArgument)
	}
	seen := make(map[ComponentPath]struct{}, len(raw))
	out := make([]ComponentPath, 0, len(raw))
	for _, r := range raw {
		p, err := ParsePath(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Covers reports whether p equals other or is a segment-wise ancestor of it.
// "root/bear" does not cover "root/bearing".
func (p ComponentPath) Covers(other ComponentPath) bool {
	if p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+"/")
}

// Overlaps reports whether either path covers the other.
func (p ComponentPath) Overlaps(other ComponentPath) bool {
	return p.Covers(other) || other.Covers(p)
}

// Parent returns the enclosing path and false when p is a root segment.
func (p ComponentPath) Parent() (ComponentPath, bool) {
	idx := strings.LastIndex(string(p), "/")
	if idx < 0 {
		return "", false
	}
	return p[:idx], true
}

func (p ComponentPath) String() string { return string(p) }

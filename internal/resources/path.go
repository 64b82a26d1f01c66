// Package resources bridges the virtual filesystem and tunnel targets
// onto cluster objects. Paths are URL-like, four levels deep:
// /{namespace}/{pod}/{container}/{path in container}. The first three
// levels are resolved against the cluster API; everything below is
// dispatched to ls/cat inside the container.
package resources

import (
	"path"
	"strings"
)

// Path is a parsed virtual filesystem path.
type Path struct {
	segments []string
}

// ParsePath splits raw on "/" and drops empty segments, so trailing
// slashes and duplicate separators are harmless.
func ParsePath(raw string) Path {
	var segments []string
	for _, s := range strings.Split(raw, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return Path{segments: segments}
}

// Depth is the number of resolved levels: 0 is the root, 1 a
// namespace, 2 a pod, 3 and beyond are inside the container.
func (p Path) Depth() int { return len(p.segments) }

func (p Path) Namespace() string { return p.segment(0) }
func (p Path) Pod() string       { return p.segment(1) }
func (p Path) Container() string { return p.segment(2) }

// FilePath is the in-container path, rooted at /. At depth 3 it is
// the container's filesystem root.
func (p Path) FilePath() string {
	if p.Depth() < 3 {
		return "/"
	}
	return "/" + path.Join(p.segments[3:]...)
}

func (p Path) String() string {
	return "/" + strings.Join(p.segments, "/")
}

func (p Path) segment(i int) string {
	if i >= len(p.segments) {
		return ""
	}
	return p.segments[i]
}

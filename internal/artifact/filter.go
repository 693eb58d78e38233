package artifact

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned for malformed glob patterns
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Filter selects artifacts by glob patterns matched against their filename.
// A nil Filter keeps everything.
type Filter struct {
	includes []string
	excludes []string
}

// NewFilter compiles include and exclude patterns. Empty includes keep
// every artifact not excluded; with no patterns at all the result is nil.
// Matching is case-insensitive.
func NewFilter(includes, excludes []string) (*Filter, error) {
	f := &Filter{}
	for _, group := range []struct {
		raw []string
		dst *[]string
	}{{includes, &f.includes}, {excludes, &f.excludes}} {
		for _, p := range group.raw {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if !doublestar.ValidatePattern(p) {
				return nil, errors.Join(ErrInvalidPattern, errors.New(p))
			}
			*group.dst = append(*group.dst, p)
		}
	}
	if len(f.includes) == 0 && len(f.excludes) == 0 {
		return nil, nil
	}
	return f, nil
}

// Match reports whether a passes the filter
func (f *Filter) Match(a Artifact) bool {
	if f == nil {
		return true
	}
	name := strings.ToLower(a.Filename())
	for _, p := range f.excludes {
		if matchPattern(p, name) {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, p := range f.includes {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

// Apply returns the subset of s that passes the filter
func (f *Filter) Apply(s Set) Set {
	if f == nil {
		return s
	}
	keep := func(in []Artifact) []Artifact {
		var out []Artifact
		for _, a := range in {
			if f.Match(a) {
				out = append(out, a)
			}
		}
		return out
	}
	return Set{Images: keep(s.Images), Videos: keep(s.Videos), Others: keep(s.Others)}
}

// Filename is the suggested filename, or the URL path's base name
func (a Artifact) Filename() string {
	if a.SuggestedFilename != "" {
		return a.SuggestedFilename
	}
	if u, err := url.Parse(a.SourceURL); err == nil && u.Path != "" {
		if base, err := url.PathUnescape(path.Base(u.Path)); err == nil {
			return base
		}
		return path.Base(u.Path)
	}
	return a.SourceURL
}

func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

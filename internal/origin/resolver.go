// Package origin maps request paths to ordered candidate storage sources.
package origin

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// ResolvedSource is a Source with its concrete storage path computed and,
// for r2 sources, the live bucket binding attached.
type ResolvedSource struct {
	Source model.Source
	Path   string
	Bucket repository.ObjectBucket // nil unless Source.Type is r2
}

// Match is the outcome of resolving a request path.
type Match struct {
	Origin  *model.Origin
	Sources []ResolvedSource
	// Captures holds ${0} (full match) followed by unnamed groups.
	Captures []string
}

// Resolver matches request paths against origin rules in declaration order.
// Compiled matchers are cached per pattern string, so swapping in a new
// configuration snapshot reuses compilations for unchanged origins.
type Resolver struct {
	buckets map[string]repository.ObjectBucket

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewResolver creates a Resolver over the given bucket bindings. buckets may
// be nil when no r2 sources are configured.
func NewResolver(buckets map[string]repository.ObjectBucket) *Resolver {
	return &Resolver{
		buckets: buckets,
		cache:   make(map[string]*regexp.Regexp),
	}
}

// Resolve returns the first origin whose matcher hits the path, with its
// eligible sources in trial order. Returns a NotFoundError when no origin
// matches or no source is eligible.
func (r *Resolver) Resolve(origins []model.Origin, path string) (*Match, error) {
	for i := range origins {
		o := &origins[i]
		re, err := r.compiled(o.Matcher)
		if err != nil {
			// Validated at load time; an invalid pattern here means the
			// snapshot was constructed outside the config store.
			return nil, model.NewError(model.KindConfiguration, "invalid origin matcher", err, "origin", o.Name)
		}
		m := re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		match, err := r.resolveSources(o, re, m)
		if err != nil {
			return nil, err
		}
		return match, nil
	}
	return nil, model.NewError(model.KindNotFound, "no origin matches path", nil, "path", path)
}

// ResolveAll returns every origin matching the path, in declaration order.
// Exposed for the alternative-origins retry that lives outside this core.
func (r *Resolver) ResolveAll(origins []model.Origin, path string) []*Match {
	var out []*Match
	for i := range origins {
		o := &origins[i]
		re, err := r.compiled(o.Matcher)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		if match, err := r.resolveSources(o, re, m); err == nil {
			out = append(out, match)
		}
	}
	return out
}

func (r *Resolver) resolveSources(o *model.Origin, re *regexp.Regexp, m []string) (*Match, error) {
	named := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			named[name] = m[i]
		}
	}

	resolved := make([]ResolvedSource, 0, len(o.Sources))
	for _, src := range o.Sources {
		rs := ResolvedSource{
			Source: src,
			Path:   substitute(src.Path, m, named),
		}
		switch src.Type {
		case model.SourceTypeR2:
			bucket, ok := r.buckets[src.BucketBinding]
			if !ok {
				continue // ineligible: no live binding
			}
			rs.Bucket = bucket
		case model.SourceTypeRemote, model.SourceTypeFallback:
			if src.URL == "" {
				continue
			}
		default:
			continue
		}
		resolved = append(resolved, rs)
	}
	if len(resolved) == 0 {
		return nil, model.NewError(model.KindNotFound, "no eligible sources for origin", nil, "origin", o.Name)
	}

	// Ascending priority; ties keep declaration order.
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].Source.Priority < resolved[j].Source.Priority
	})

	return &Match{Origin: o, Sources: resolved, Captures: m}, nil
}

func (r *Resolver) compiled(pattern string) (*regexp.Regexp, error) {
	r.mu.RLock()
	re, ok := r.cache[pattern]
	r.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[pattern] = re
	r.mu.Unlock()
	return re, nil
}

// substitute expands ${0}, ${n} and ${name} references in a source path
// template. An out-of-range or unknown reference expands to the full match.
func substitute(tmpl string, m []string, named map[string]string) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}
	return refPattern.ReplaceAllStringFunc(tmpl, func(ref string) string {
		key := ref[2 : len(ref)-1]
		if n, err := strconv.Atoi(key); err == nil {
			if n >= 0 && n < len(m) && m[n] != "" {
				return m[n]
			}
			return m[0]
		}
		if v, ok := named[key]; ok && v != "" {
			return v
		}
		return m[0]
	})
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// EffectiveURL joins a remote source's base URL with its concrete path.
func EffectiveURL(src model.Source, path string) string {
	base := strings.TrimSuffix(src.URL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s%s", base, path)
}

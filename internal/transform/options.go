// Package transform builds media-transformation URLs, invokes the
// downstream transformer and classifies its failures.
package transform

import (
	"strconv"
	"strings"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// ResolveOptions merges option layers by ascending precedence: static
// defaults, path-pattern overrides, origin overrides, then the caller's
// explicit options. When a derivative is named, its preset dimensions
// replace any explicit width/height.
func ResolveOptions(defaults model.TransformOptions, patternOverrides, originOpts *model.TransformOptions, derivatives model.Derivatives, explicit model.TransformOptions) model.TransformOptions {
	resolved := defaults
	if patternOverrides != nil {
		resolved = resolved.Merge(*patternOverrides)
	}
	if originOpts != nil {
		resolved = resolved.Merge(*originOpts)
	}
	resolved = resolved.Merge(explicit)

	if name := resolved.Derivative; name != "" {
		if preset, ok := derivatives[name]; ok {
			resolved = resolved.ApplyDerivative(name, preset)
		}
	}
	return resolved
}

// Segment serializes options into the comma-separated transform path
// segment. Keys appear in alphabetical order; unset fields are omitted.
func Segment(o model.TransformOptions) string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"="+value)
	}
	addBool := func(key string, v *bool) {
		if v != nil {
			add(key, strconv.FormatBool(*v))
		}
	}

	addBool("audio", o.Audio)
	addBool("autoplay", o.Autoplay)
	if o.Compression != "" {
		add("compression", o.Compression)
	}
	if o.Duration != "" {
		add("duration", o.Duration)
	}
	if o.Fit != "" {
		add("fit", string(o.Fit))
	}
	if o.Format != "" {
		add("format", o.Format)
	}
	if o.Height != 0 {
		add("height", strconv.Itoa(o.Height))
	}
	addBool("loop", o.Loop)
	if o.Mode != "" {
		add("mode", string(o.Mode))
	}
	addBool("muted", o.Muted)
	addBool("preload", o.Preload)
	if o.Quality != "" {
		add("quality", o.Quality)
	}
	if o.Time != "" {
		add("time", o.Time)
	}
	if o.Width != 0 {
		add("width", strconv.Itoa(o.Width))
	}
	return strings.Join(parts, ",")
}

// CacheTags derives purge tags for a stored variant: a tag for the source
// leaf name and one per derivative.
func CacheTags(sourcePath string, o model.TransformOptions) []string {
	leaf := sourcePath
	if i := strings.LastIndexByte(leaf, '/'); i >= 0 {
		leaf = leaf[i+1:]
	}
	if i := strings.LastIndexByte(leaf, '.'); i > 0 {
		leaf = leaf[:i]
	}

	tags := []string{"video-" + model.NormalizeKeySegment(leaf)}
	if o.Derivative != "" {
		tags = append(tags, "video-derivative-"+model.NormalizeKeySegment(o.Derivative))
	}
	return tags
}

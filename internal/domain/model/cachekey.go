package model

import (
	"strconv"
	"strings"
)

// Key namespaces in the KV store.
const (
	CacheKeyPrefix    = "video:"
	PresignKeyPrefix  = "presigned:"
	VersionKeyPrefix  = "version:"
	chunkKeySeparator = ":chunk="
)

// NormalizeKeySegment rewrites a path or value for use inside a cache key:
// leading slashes stripped, spaces become hyphens, anything outside
// [A-Za-z0-9/:=.-] becomes a hyphen.
func NormalizeKeySegment(s string) string {
	s = strings.TrimLeft(s, "/")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == ':' || r == '=' || r == '.' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// CacheKey derives the content-addressed KV key for a source path and its
// transform options. Segments appear in a stable order and only when the
// option is set. A derivative key never carries explicit dimensions; the
// preset's own dimensions are authoritative.
func CacheKey(sourcePath string, o TransformOptions) string {
	var b strings.Builder
	b.WriteString(CacheKeyPrefix)
	b.WriteString(NormalizeKeySegment(sourcePath))

	if o.Derivative != "" {
		b.WriteString(":derivative=")
		b.WriteString(NormalizeKeySegment(o.Derivative))
	} else {
		if o.Width != 0 {
			b.WriteString(":w=")
			b.WriteString(strconv.Itoa(o.Width))
		}
		if o.Height != 0 {
			b.WriteString(":h=")
			b.WriteString(strconv.Itoa(o.Height))
		}
	}
	if o.Format != "" {
		b.WriteString(":f=")
		b.WriteString(NormalizeKeySegment(o.Format))
	}
	if o.Quality != "" {
		b.WriteString(":q=")
		b.WriteString(NormalizeKeySegment(o.Quality))
	}
	if o.Time != "" {
		b.WriteString(":t=")
		b.WriteString(NormalizeKeySegment(o.Time))
	}
	if o.Duration != "" {
		b.WriteString(":d=")
		b.WriteString(NormalizeKeySegment(o.Duration))
	}
	return b.String()
}

// ChunkKey returns the KV key of the index-th chunk under a base cache key.
func ChunkKey(baseKey string, index int) string {
	return baseKey + chunkKeySeparator + strconv.Itoa(index)
}

// VersionKey returns the KV key of the cache-version counter scoped to a
// source path.
func VersionKey(sourcePath string) string {
	return VersionKeyPrefix + NormalizeKeySegment(sourcePath)
}

package model

import (
	"errors"
	"fmt"
)

// SourceType identifies the kind of backend a Source points at.
type SourceType string

const (
	// SourceTypeR2 is a host-native blob bucket binding.
	SourceTypeR2 SourceType = "r2"
	// SourceTypeRemote is an HTTP origin.
	SourceTypeRemote SourceType = "remote"
	// SourceTypeFallback is an HTTP origin of last resort.
	SourceTypeFallback SourceType = "fallback"
)

// AuthType identifies how requests to a Source are authenticated.
type AuthType string

const (
	AuthTypeAWSS3          AuthType = "aws-s3"
	AuthTypeAWSS3Presigned AuthType = "aws-s3-presigned-url"
	AuthTypeBearer         AuthType = "bearer"
	AuthTypeBasic          AuthType = "basic"
	AuthTypeHeader         AuthType = "header"
	AuthTypeQuery          AuthType = "query"
	AuthTypeToken          AuthType = "token"
)

var (
	ErrOriginNameEmpty  = errors.New("origin name cannot be empty")
	ErrOriginNoSources  = errors.New("origin must declare at least one source")
	ErrSourceNoBucket   = errors.New("r2 source requires a bucket binding")
	ErrSourceNoURL      = errors.New("remote and fallback sources require a url")
	ErrUnknownSourceKind = errors.New("unknown source type")
)

// Auth describes per-source authentication. Type-specific fields are only
// consulted for the matching Type.
type Auth struct {
	Enabled bool     `json:"enabled"`
	Type    AuthType `json:"type"`

	// aws-s3 and aws-s3-presigned-url
	AccessKeyVar     string `json:"accessKeyVar,omitempty"`
	SecretKeyVar     string `json:"secretKeyVar,omitempty"`
	SessionTokenVar  string `json:"sessionTokenVar,omitempty"`
	Region           string `json:"region,omitempty"`
	Service          string `json:"service,omitempty"`
	ExpiresInSeconds int    `json:"expiresInSeconds,omitempty"`

	// bearer, basic, token
	TokenVar        string `json:"tokenVar,omitempty"`
	TokenHeaderName string `json:"tokenHeaderName,omitempty"`

	// header and query modes carry literal values with ${VAR} interpolation.
	HeaderName string            `json:"headerName,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// CacheControl carries advisory freshness hints attached to a Source.
type CacheControl struct {
	MaxAge               int `json:"maxAge,omitempty"`
	StaleWhileRevalidate int `json:"staleWhileRevalidate,omitempty"`
	StaleIfError         int `json:"staleIfError,omitempty"`
}

// Source is a concrete backend location within an Origin.
type Source struct {
	Type          SourceType        `json:"type"`
	Priority      int               `json:"priority"`
	Path          string            `json:"path"`
	BucketBinding string            `json:"bucketBinding,omitempty"`
	URL           string            `json:"url,omitempty"`
	Auth          *Auth             `json:"auth,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CacheControl  *CacheControl     `json:"cacheControl,omitempty"`
}

// Validate checks the type/field invariants of a Source.
func (s *Source) Validate() error {
	switch s.Type {
	case SourceTypeR2:
		if s.BucketBinding == "" {
			return ErrSourceNoBucket
		}
	case SourceTypeRemote, SourceTypeFallback:
		if s.URL == "" {
			return ErrSourceNoURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceKind, s.Type)
	}
	return nil
}

// TTLProfile holds per-status-class TTLs in seconds.
type TTLProfile struct {
	OK          int `json:"ok"`
	Redirects   int `json:"redirects"`
	ClientError int `json:"clientError"`
	ServerError int `json:"serverError"`
}

// Origin is a named routing rule mapping a path pattern to an ordered list
// of backend Sources.
type Origin struct {
	Name             string            `json:"name"`
	Matcher          string            `json:"matcher"`
	CaptureGroups    []string          `json:"captureGroups,omitempty"`
	Sources          []Source          `json:"sources"`
	TTL              *TTLProfile       `json:"ttl,omitempty"`
	Cacheability     *bool             `json:"cacheability,omitempty"`
	VideoCompression string            `json:"videoCompression,omitempty"`
	Quality          string            `json:"quality,omitempty"`
	TransformOptions *TransformOptions `json:"transformOptions,omitempty"`
}

// Validate checks structural invariants of an Origin and its Sources.
func (o *Origin) Validate() error {
	if o.Name == "" {
		return ErrOriginNameEmpty
	}
	if len(o.Sources) == 0 {
		return fmt.Errorf("origin %q: %w", o.Name, ErrOriginNoSources)
	}
	for i := range o.Sources {
		if err := o.Sources[i].Validate(); err != nil {
			return fmt.Errorf("origin %q source %d: %w", o.Name, i, err)
		}
	}
	return nil
}

// Cacheable reports whether results for this origin may be cached.
// Unset means cacheable.
func (o *Origin) Cacheable() bool {
	return o.Cacheability == nil || *o.Cacheability
}

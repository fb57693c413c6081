package config

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// WorkerConfig is the versioned worker configuration document, stored as
// JSON in the KV key "worker-config" or supplied by the host at startup.
type WorkerConfig struct {
	Video   VideoConfig   `json:"video"`
	Cache   *CacheConfig  `json:"cache,omitempty"`
	Logging LoggingConfig `json:"logging"`
	Debug   DebugConfig   `json:"debug"`
}

// VideoConfig holds origin routing, derivative presets and transform defaults.
type VideoConfig struct {
	Origins      []model.Origin         `json:"origins,omitempty"`
	PathPatterns []PathPattern          `json:"pathPatterns,omitempty"`
	Derivatives  model.Derivatives      `json:"derivatives,omitempty"`
	Defaults     model.TransformOptions `json:"defaults"`
	ValidOptions ValidOptions           `json:"validOptions"`
	CDNBasePath  string                 `json:"cdnBasePath,omitempty"`
	Passthrough  bool                   `json:"passthrough,omitempty"`
	Storage      StorageDefaults        `json:"storage"`

	// Caching takes precedence over the top-level cache section when both
	// are present.
	Caching *CacheConfig `json:"caching,omitempty"`
}

// PathPattern is the legacy routing form, converted to a synthesized Origin
// at load time when no origins are declared.
type PathPattern struct {
	Name                    string                 `json:"name"`
	Matcher                 string                 `json:"matcher"`
	CaptureGroups           []string               `json:"captureGroups,omitempty"`
	OriginURL               string                 `json:"originUrl,omitempty"`
	Auth                    *model.Auth            `json:"auth,omitempty"`
	TTL                     *model.TTLProfile      `json:"ttl,omitempty"`
	TransformationOverrides model.TransformOptions `json:"transformationOverrides"`
}

// ValidOptions enumerates accepted values for client-supplied parameters.
type ValidOptions struct {
	Modes     []string `json:"modes,omitempty"`
	Fits      []string `json:"fits,omitempty"`
	Formats   []string `json:"formats,omitempty"`
	MaxWidth  int      `json:"maxWidth,omitempty"`
	MaxHeight int      `json:"maxHeight,omitempty"`
}

// StorageDefaults configure sources synthesized from legacy path patterns
// and the fallback-caching threshold.
type StorageDefaults struct {
	R2BucketBinding       string      `json:"r2BucketBinding,omitempty"`
	RemoteURL             string      `json:"remoteUrl,omitempty"`
	RemoteAuth            *model.Auth `json:"remoteAuth,omitempty"`
	FallbackURL           string      `json:"fallbackUrl,omitempty"`
	FallbackAuth          *model.Auth `json:"fallbackAuth,omitempty"`
	FallbackCacheMaxBytes int64       `json:"fallbackCacheMaxBytes,omitempty"`
}

// CacheConfig describes TTL profiles and bypass behavior for the result cache.
type CacheConfig struct {
	Method            string           `json:"method,omitempty"`
	Profiles          []CacheProfile   `json:"profiles,omitempty"`
	DefaultTTL        model.TTLProfile `json:"defaultTtl"`
	BypassParams      []string         `json:"bypassParams,omitempty"`
	MaxSizeBytes      int64            `json:"maxSizeBytes,omitempty"`
	StoreIndefinitely bool             `json:"storeIndefinitely,omitempty"`

	RefreshMinElapsedPercent   int `json:"refreshMinElapsedPercent,omitempty"`
	RefreshMinRemainingSeconds int `json:"refreshMinRemainingSeconds,omitempty"`
}

// CacheProfile binds a TTL table to source paths matching a regex.
type CacheProfile struct {
	PathRegex    string           `json:"pathRegex"`
	TTL          model.TTLProfile `json:"ttl"`
	Cacheability bool             `json:"cacheability"`

	re *regexp.Regexp // compiled during normalization
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

type DebugConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	AllowedParams []string `json:"allowedParams,omitempty"`
}

// Defaults applied when the document leaves a field unset.
const (
	DefaultCDNBasePath = "/cdn-cgi/media"
	DefaultOKTTL       = 86400
)

var defaultBypassParams = []string{"debug", "nocache", "bypass"}

// ParseWorkerConfig strict-decodes and validates a worker configuration
// document, applying defaults and converting legacy path patterns.
func ParseWorkerConfig(data []byte) (*WorkerConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wc WorkerConfig
	if err := dec.Decode(&wc); err != nil {
		return nil, model.NewError(model.KindConfiguration, "invalid worker config document", err)
	}
	if err := wc.normalize(); err != nil {
		return nil, err
	}
	return &wc, nil
}

// normalize validates the document, applies defaults and performs the
// one-shot legacy conversion.
func (wc *WorkerConfig) normalize() error {
	v := &wc.Video

	if len(v.Origins) == 0 && len(v.PathPatterns) == 0 {
		return model.NewError(model.KindConfiguration,
			"either video.origins or video.pathPatterns must be present", nil)
	}
	if len(v.Origins) == 0 {
		origins, err := convertPathPatterns(v.PathPatterns, v.Storage)
		if err != nil {
			return err
		}
		v.Origins = origins
	}

	for i := range v.Origins {
		o := &v.Origins[i]
		if err := o.Validate(); err != nil {
			return model.NewError(model.KindConfiguration, "invalid origin", err, "origin", o.Name)
		}
		if _, err := regexp.Compile(o.Matcher); err != nil {
			return model.NewError(model.KindConfiguration, "invalid origin matcher", err, "origin", o.Name)
		}
	}

	if v.CDNBasePath == "" {
		v.CDNBasePath = DefaultCDNBasePath
	}

	cache := wc.resolveCaching()
	if cache.DefaultTTL.OK == 0 {
		cache.DefaultTTL.OK = DefaultOKTTL
	}
	if len(cache.BypassParams) == 0 {
		cache.BypassParams = defaultBypassParams
	}
	for i := range cache.Profiles {
		re, err := regexp.Compile(cache.Profiles[i].PathRegex)
		if err != nil {
			return model.NewError(model.KindConfiguration, "invalid cache profile regex", err,
				"pathRegex", cache.Profiles[i].PathRegex)
		}
		cache.Profiles[i].re = re
	}
	v.Caching = cache
	return nil
}

// resolveCaching applies the documented precedence: video.caching wins over
// the top-level cache section; absent both, a baked default applies.
func (wc *WorkerConfig) resolveCaching() *CacheConfig {
	if wc.Video.Caching != nil {
		return wc.Video.Caching
	}
	if wc.Cache != nil {
		c := *wc.Cache
		return &c
	}
	return &CacheConfig{}
}

// Caching returns the effective cache configuration after normalization.
func (wc *WorkerConfig) Caching() *CacheConfig {
	return wc.Video.Caching
}

// TTLForPath resolves the TTL profile for a source path: first matching
// profile wins, else the default profile.
func (c *CacheConfig) TTLForPath(sourcePath string) model.TTLProfile {
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.re == nil {
			re, err := regexp.Compile(p.PathRegex)
			if err != nil {
				continue
			}
			p.re = re
		}
		if p.re.MatchString(sourcePath) {
			return p.TTL
		}
	}
	return c.DefaultTTL
}

// convertPathPatterns deterministically synthesizes an Origin list from
// legacy path patterns and the global storage section.
func convertPathPatterns(patterns []PathPattern, storage StorageDefaults) ([]model.Origin, error) {
	origins := make([]model.Origin, 0, len(patterns))
	for _, p := range patterns {
		if p.Name == "" || p.Matcher == "" {
			return nil, model.NewError(model.KindConfiguration,
				"path pattern requires name and matcher", nil, "pattern", p.Name)
		}

		var sources []model.Source
		if storage.R2BucketBinding != "" {
			sources = append(sources, model.Source{
				Type:          model.SourceTypeR2,
				Priority:      0,
				Path:          "${1}",
				BucketBinding: storage.R2BucketBinding,
			})
		}
		remoteURL := p.OriginURL
		if remoteURL == "" {
			remoteURL = storage.RemoteURL
		}
		if remoteURL != "" {
			auth := p.Auth
			if auth == nil {
				auth = storage.RemoteAuth
			}
			sources = append(sources, model.Source{
				Type:     model.SourceTypeRemote,
				Priority: 1,
				Path:     "${0}",
				URL:      remoteURL,
				Auth:     auth,
			})
		}
		if storage.FallbackURL != "" {
			sources = append(sources, model.Source{
				Type:     model.SourceTypeFallback,
				Priority: 2,
				Path:     "${0}",
				URL:      storage.FallbackURL,
				Auth:     storage.FallbackAuth,
			})
		}
		if len(sources) == 0 {
			return nil, model.NewError(model.KindConfiguration,
				"path pattern has no usable storage backends", nil, "pattern", p.Name)
		}

		overrides := p.TransformationOverrides
		origins = append(origins, model.Origin{
			Name:             p.Name,
			Matcher:          p.Matcher,
			CaptureGroups:    p.CaptureGroups,
			Sources:          sources,
			TTL:              p.TTL,
			TransformOptions: &overrides,
		})
	}
	return origins, nil
}

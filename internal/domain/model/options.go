package model

// Mode selects the kind of artifact the transformer produces.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeFrame       Mode = "frame"
	ModeSpritesheet Mode = "spritesheet"
	ModeAudio       Mode = "audio"
)

// Fit selects how the source is mapped into the requested dimensions.
type Fit string

const (
	FitContain   Fit = "contain"
	FitScaleDown Fit = "scale-down"
	FitCover     Fit = "cover"
)

// TransformOptions is the fully resolved parameter set handed to the
// transform invoker. Zero values mean "unset"; tri-state flags are pointers.
type TransformOptions struct {
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Mode        Mode   `json:"mode,omitempty"`
	Fit         Fit    `json:"fit,omitempty"`
	Format      string `json:"format,omitempty"`
	Time        string `json:"time,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Compression string `json:"compression,omitempty"`
	Loop        *bool  `json:"loop,omitempty"`
	Preload     *bool  `json:"preload,omitempty"`
	Autoplay    *bool  `json:"autoplay,omitempty"`
	Muted       *bool  `json:"muted,omitempty"`
	Audio       *bool  `json:"audio,omitempty"`

	// Derivative names a preset; when set, the preset's dimensions replace
	// any explicit width/height.
	Derivative string `json:"derivative,omitempty"`
}

// Merge overlays non-zero fields of other onto a copy of o and returns it.
// other has higher precedence.
func (o TransformOptions) Merge(other TransformOptions) TransformOptions {
	out := o
	if other.Width != 0 {
		out.Width = other.Width
	}
	if other.Height != 0 {
		out.Height = other.Height
	}
	if other.Mode != "" {
		out.Mode = other.Mode
	}
	if other.Fit != "" {
		out.Fit = other.Fit
	}
	if other.Format != "" {
		out.Format = other.Format
	}
	if other.Time != "" {
		out.Time = other.Time
	}
	if other.Duration != "" {
		out.Duration = other.Duration
	}
	if other.Quality != "" {
		out.Quality = other.Quality
	}
	if other.Compression != "" {
		out.Compression = other.Compression
	}
	if other.Loop != nil {
		out.Loop = other.Loop
	}
	if other.Preload != nil {
		out.Preload = other.Preload
	}
	if other.Autoplay != nil {
		out.Autoplay = other.Autoplay
	}
	if other.Muted != nil {
		out.Muted = other.Muted
	}
	if other.Audio != nil {
		out.Audio = other.Audio
	}
	if other.Derivative != "" {
		out.Derivative = other.Derivative
	}
	return out
}

// ApplyDerivative substitutes the preset's dimensions for any explicit ones
// and records the preset name. The remaining preset fields fill gaps only.
func (o TransformOptions) ApplyDerivative(name string, preset TransformOptions) TransformOptions {
	out := preset.Merge(o)
	out.Width = preset.Width
	out.Height = preset.Height
	out.Derivative = name
	return out
}

// Derivatives maps preset names to their option bundles.
type Derivatives map[string]TransformOptions

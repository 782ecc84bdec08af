package config

import (
	"fmt"
	"strings"
)

// Limits on the output stream.
const (
	MaxDimension  = 4096
	MaxFPS        = 120
	MaxBitrate    = 100 // Mbps
	MinPreviewDim = 16
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"text":   true,
	"json":   true,
	"packet": true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// ValidateTiered applies source defaults and checks every field.
// Out-of-range video parameters are fatal. Odd dimensions, preview settings
// and logging options are corrected and reported as warnings.
func (c *CaptureConfig) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	c.ApplyDefaults()

	src, err := c.Source()
	if err != nil {
		r.Fatals = append(r.Fatals, err)
	}

	if c.Width < 1 || c.Width > MaxDimension {
		fatal("width %d out of range 1..%d", c.Width, MaxDimension)
	} else if c.Width%2 != 0 {
		warn("width %d is odd, rounding up to %d", c.Width, c.Width+1)
		c.Width++
	}
	if c.Height < 1 || c.Height > MaxDimension {
		fatal("height %d out of range 1..%d", c.Height, MaxDimension)
	} else if c.Height%2 != 0 {
		warn("height %d is odd, rounding up to %d", c.Height, c.Height+1)
		c.Height++
	}
	if c.FPS < 1 || c.FPS > MaxFPS {
		fatal("fps %d out of range 1..%d", c.FPS, MaxFPS)
	}
	if c.Bitrate < 1 || c.Bitrate > MaxBitrate {
		fatal("bitrate %d Mbps out of range 1..%d", c.Bitrate, MaxBitrate)
	}

	if c.PreviewInterval < 1 {
		warn("preview_interval %d is below minimum 1, clamping", c.PreviewInterval)
		c.PreviewInterval = 1
	}
	if c.PreviewWidth < MinPreviewDim {
		warn("preview_width %d is below minimum %d, clamping", c.PreviewWidth, MinPreviewDim)
		c.PreviewWidth = MinPreviewDim
	} else if c.Width > 0 && c.PreviewWidth > c.Width && c.Width <= MaxDimension {
		warn("preview_width %d exceeds width %d, clamping", c.PreviewWidth, c.Width)
		c.PreviewWidth = c.Width
	}
	if c.PreviewWidth%2 != 0 {
		c.PreviewWidth--
	}

	if err == nil {
		if c.ExcludeAudio != "" && !c.Audio {
			warn("exclude_audio has no effect without audio")
		}
		if c.Audio && (src.Kind == SourceCamera || src.Kind == SourceMicrophone) {
			warn("audio is ignored for %s capture", src.Kind)
			c.Audio = false
		}
		if c.NoiseSuppression && src.Kind != SourceMicrophone {
			warn("noise_suppression only applies to microphone capture")
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error), using info", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && !validLogFormats[strings.ToLower(c.LogFormat)] {
		warn("log_format %q is not valid (use text, json or packet), using packet", c.LogFormat)
		c.LogFormat = "packet"
	}

	return r
}

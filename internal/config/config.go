package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SourceKind is the type of thing being captured.
type SourceKind string

const (
	SourceDisplay    SourceKind = "display"
	SourceWindow     SourceKind = "window"
	SourceApp        SourceKind = "app"
	SourceCamera     SourceKind = "camera"
	SourceMicrophone SourceKind = "microphone"
)

// Source is the single capture target selected on the command line.
type Source struct {
	Kind SourceKind
	ID   string
}

func (s Source) String() string { return string(s.Kind) + ":" + s.ID }

// HasVideo is false for microphone-only capture.
func (s Source) HasVideo() bool { return s.Kind != SourceMicrophone }

// Per-source defaults.
const (
	DefaultDisplayWidth   = 1920
	DefaultDisplayHeight  = 1080
	DefaultDisplayFPS     = 30
	DefaultDisplayBitrate = 6

	DefaultCameraWidth   = 640
	DefaultCameraHeight  = 480
	DefaultCameraFPS     = 15
	DefaultCameraBitrate = 2

	DefaultPreviewWidth    = 320
	DefaultPreviewInterval = 30
)

// CaptureConfig is built once at startup and never mutated afterwards.
// Zero width, height, fps or bitrate means "use the source default".
type CaptureConfig struct {
	Display    string `mapstructure:"display" yaml:"display,omitempty"`
	Window     string `mapstructure:"window" yaml:"window,omitempty"`
	App        string `mapstructure:"app" yaml:"app,omitempty"`
	Camera     string `mapstructure:"camera" yaml:"camera,omitempty"`
	Microphone string `mapstructure:"microphone" yaml:"microphone,omitempty"`

	Width   int  `mapstructure:"width" yaml:"width"`
	Height  int  `mapstructure:"height" yaml:"height"`
	FPS     int  `mapstructure:"fps" yaml:"fps"`
	Encode  bool `mapstructure:"encode" yaml:"encode"`
	Bitrate int  `mapstructure:"bitrate" yaml:"bitrate"` // Mbps

	// VAAPIDevice pins the DRM render node the Linux encoder opens.
	VAAPIDevice string `mapstructure:"vaapi_device" yaml:"vaapi_device,omitempty"`

	Audio            bool   `mapstructure:"audio" yaml:"audio"`
	ExcludeAudio     string `mapstructure:"exclude_audio" yaml:"exclude_audio,omitempty"`
	NoiseSuppression bool   `mapstructure:"noise_suppression" yaml:"noise_suppression"`

	Preview         bool `mapstructure:"preview" yaml:"preview"`
	PreviewWidth    int  `mapstructure:"preview_width" yaml:"preview_width"`
	PreviewInterval int  `mapstructure:"preview_interval" yaml:"preview_interval"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file,omitempty"`
}

func Default() *CaptureConfig {
	return &CaptureConfig{
		PreviewWidth:    DefaultPreviewWidth,
		PreviewInterval: DefaultPreviewInterval,
		LogLevel:        "info",
		LogFormat:       "packet",
	}
}

// Sources lists every source kind that was given a value.
func (c *CaptureConfig) Sources() []Source {
	var out []Source
	add := func(kind SourceKind, id string) {
		if id != "" {
			out = append(out, Source{Kind: kind, ID: id})
		}
	}
	add(SourceDisplay, c.Display)
	add(SourceWindow, c.Window)
	add(SourceApp, c.App)
	add(SourceCamera, c.Camera)
	add(SourceMicrophone, c.Microphone)
	return out
}

// Source returns the selected source. Display 0 is used when nothing was
// selected.
func (c *CaptureConfig) Source() (Source, error) {
	srcs := c.Sources()
	switch len(srcs) {
	case 0:
		return Source{Kind: SourceDisplay, ID: "0"}, nil
	case 1:
		return srcs[0], nil
	default:
		names := make([]string, len(srcs))
		for i, s := range srcs {
			names[i] = "--" + string(s.Kind)
		}
		return Source{}, fmt.Errorf("only one capture source may be given, got %s", strings.Join(names, ", "))
	}
}

// ApplyDefaults fills unset video parameters from the source defaults.
func (c *CaptureConfig) ApplyDefaults() {
	w, h, fps, br := DefaultDisplayWidth, DefaultDisplayHeight, DefaultDisplayFPS, DefaultDisplayBitrate
	if c.Camera != "" {
		w, h, fps, br = DefaultCameraWidth, DefaultCameraHeight, DefaultCameraFPS, DefaultCameraBitrate
	}
	if c.Width == 0 {
		c.Width = w
	}
	if c.Height == 0 {
		c.Height = h
	}
	if c.FPS == 0 {
		c.FPS = fps
	}
	if c.Bitrate == 0 {
		c.Bitrate = br
	}
}

// BitrateBPS is the target bitrate in bits per second.
func (c *CaptureConfig) BitrateBPS() int { return c.Bitrate * 1_000_000 }

// Load layers flags over SNACKA_* environment variables over an optional
// YAML file over Default(). Flag names map to keys by replacing dashes
// with underscores.
func Load(cfgFile string, flags *pflag.FlagSet) (*CaptureConfig, error) {
	cfg := Default()
	v := viper.New()

	v.SetEnvPrefix("SNACKA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := keys[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}
	// Keys without a flag still need to be known for env lookup.
	for key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// keys is every mapstructure key of CaptureConfig.
var keys = map[string]struct{}{
	"display": {}, "window": {}, "app": {}, "camera": {}, "microphone": {},
	"width": {}, "height": {}, "fps": {}, "encode": {}, "bitrate": {}, "vaapi_device": {},
	"audio": {}, "exclude_audio": {}, "noise_suppression": {},
	"preview": {}, "preview_width": {}, "preview_interval": {},
	"log_level": {}, "log_format": {}, "log_file": {},
}

// YAML renders the effective configuration for --print-config.
func (c *CaptureConfig) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

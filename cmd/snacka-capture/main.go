package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattias800/snacka-capture/internal/config"
	"github.com/mattias800/snacka-capture/internal/enumerate"
	"github.com/mattias800/snacka-capture/internal/logging"
	"github.com/mattias800/snacka-capture/internal/session"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var log = logging.L("main")

type options struct {
	cfgFile     string
	printConfig bool
	listJSON    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "snacka-capture",
		Short: "Capture a display, window, application, camera or microphone for Snacka",
		Long: `snacka-capture streams one capture source to its parent process.
Video goes to stdout as raw NV12 or H.264 access units, audio, previews
and log lines go to stderr as framed packets.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "YAML config file with the same keys as the flags")

	f := root.Flags()
	f.String("display", "", "capture display by index")
	f.String("window", "", "capture window by id")
	f.String("app", "", "capture the largest window of an application (pid, bundle id or name)")
	f.String("camera", "", "capture camera by id or index")
	f.String("microphone", "", "capture only a microphone, by id or index")
	f.Int("width", 0, "output width (default 1920, camera 640)")
	f.Int("height", 0, "output height (default 1080, camera 480)")
	f.Int("fps", 0, "frame rate (default 30, camera 15)")
	f.Bool("encode", false, "encode to H.264 with the hardware encoder")
	f.Int("bitrate", 0, "target bitrate in Mbps (default 6, camera 2)")
	f.String("vaapi-device", "", "DRM render node for the VA-API encoder")
	f.Bool("audio", false, "also capture system audio")
	f.String("exclude-audio", "", "leave this process (pid or name) out of system audio")
	f.Bool("noise-suppression", false, "suppress background noise on the microphone")
	f.Bool("preview", false, "emit preview packets")
	f.Int("preview-width", defaults.PreviewWidth, "preview width in pixels")
	f.Int("preview-interval", defaults.PreviewInterval, "emit a preview every N frames")
	f.String("log-level", defaults.LogLevel, "debug, info, warn or error")
	f.String("log-format", defaults.LogFormat, "text, json or packet")
	f.String("log-file", "", "also write logs to this file, rotated by size")
	f.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	root.MarkFlagsMutuallyExclusive("display", "window", "app", "camera", "microphone")

	list := &cobra.Command{
		Use:   "list",
		Short: "List capturable displays, windows, applications, cameras and microphones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.OutOrStdout(), opts.listJSON)
		},
	}
	list.Flags().BoolVar(&opts.listJSON, "json", false, "print JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "snacka-capture %s\n", version)
		},
	}

	root.AddCommand(list, versionCmd)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "snacka-capture: %v\n", err)
		os.Exit(1)
	}
}

func runCapture(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return errors.Join(result.Fatals...)
	}
	if opts.printConfig {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	}

	s, err := session.New(cfg, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	logOpts := logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, Sink: s.Writer()}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 10, 3)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer rw.Close()
		logOpts.File = rw
	}
	logging.Configure(logOpts)

	for _, w := range result.Warnings {
		log.Warn("config adjusted", logging.Err(w))
	}
	src, _ := cfg.Source()
	log.Info("snacka-capture starting",
		"version", version,
		"source", src.String(),
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"encode", cfg.Encode,
		"audio", cfg.Audio)

	return s.Run(cmd.Context())
}

func runList(out io.Writer, asJSON bool) error {
	logging.Init(logging.FormatText, "warn", os.Stderr)
	sources := enumerate.New().List()
	if asJSON {
		return enumerate.WriteJSON(out, sources)
	}
	return enumerate.WriteText(out, sources)
}

// cfenc transcodes a video file to CineForm.
//
// Usage:
//
//	cfenc [flags] -i <input> <output>
//	cfenc -s 1920x1080 -r 30000/1001 -p yuyv422 -i capture.yuv capture.mov
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thesyncim/cfenc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(normalizeLongFlags(cmd.Flags(), args))
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return cfenc.ExitOK
	}
	fmt.Fprintf(stderr, "cfenc: %v\n", err)
	return cfenc.ExitCode(err)
}

// normalizeLongFlags rewrites single-dash long flags ("-rgb", "-vo",
// "-video_size=8x8") to their double-dash form so pflag does not read them
// as shorthand clusters. Flag values and everything after "--" are kept.
func normalizeLongFlags(fs *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return append(out, args[i:]...)
		}
		if len(a) < 2 || a[0] != '-' || a[1] == '-' {
			out = append(out, a)
			continue
		}
		name, _, inline := strings.Cut(a[1:], "=")
		var fl *pflag.Flag
		if len(name) > 1 {
			if fl = fs.Lookup(name); fl != nil {
				a = "-" + a
			}
		} else {
			fl = fs.ShorthandLookup(name)
		}
		out = append(out, a)
		if fl != nil && !inline && fl.NoOptDefVal == "" && i+1 < len(args) {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

type cliFlags struct {
	opts       cfenc.Options
	configFile string
	version    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &cliFlags{opts: cfenc.DefaultOptions()}

	cmd := &cobra.Command{
		Use:           "cfenc [flags] -i <input> <output>",
		Short:         "Transcode video to CineForm",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return cfenc.NewStageError(cfenc.StageConfig, "parse arguments",
					fmt.Errorf("%w: unexpected arguments %q", cfenc.ErrInvalidOption, args[1:]))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.version {
				fmt.Fprint(stdout, cfenc.Banner())
				return nil
			}
			opts, err := f.resolve(cmd, args)
			if err != nil {
				return cfenc.NewStageError(cfenc.StageConfig, "parse options", err)
			}
			return transcode(cmd.Context(), opts, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return cfenc.NewStageError(cfenc.StageConfig, "parse flags", fmt.Errorf("%w: %v", cfenc.ErrInvalidOption, err))
	})

	fs := cmd.Flags()
	fs.StringVarP(&f.opts.Input, "input", "i", "", "input file")
	fs.StringVarP(&f.opts.Quality, "quality", "q", f.opts.Quality, "low, medium, high, fs1, fs2 or fs3")
	fs.BoolVar(&f.opts.RGB, "rgb", false, "encode RGB 4:4:4 instead of YUV 4:2:2")
	fs.IntVarP(&f.opts.Transfer, "trc", "c", 0, "transfer characteristic, 601 or 709 [auto]")
	fs.IntVarP(&f.opts.Threads, "threads", "t", 0, "encoder threads, 0 = cores - 1")
	fs.StringVarP(&f.opts.LogLevel, "loglevel", "l", f.opts.LogLevel, "quiet, info or debug")
	fs.StringVarP(&f.opts.VideoSize, "video_size", "s", "", "video dimensions for raw input, WxH")
	fs.StringVarP(&f.opts.FrameRate, "framerate", "r", "", "frame rate for raw input, N/D (like 30000/1001)")
	fs.StringVarP(&f.opts.PixelFormat, "pix_fmt", "p", "", "pixel format for raw input, libav names")
	fs.StringVarP(&f.opts.Aspect, "aspect", "a", "", "force display aspect ratio, N:D")
	fs.BoolVar(&f.opts.VideoOnly, "vo", false, "write the video track only")
	fs.BoolVar(&f.opts.StrictOrder, "strict-order", false, "fail when the encoder returns a frame out of order")
	fs.StringVar(&f.opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	fs.StringVar(&f.configFile, "config", "", "YAML options file")
	fs.BoolVar(&f.version, "version", false, "print version and native library status")
	return cmd
}

// resolve overlays flags that were set on the options file.
func (f *cliFlags) resolve(cmd *cobra.Command, args []string) (cfenc.Options, error) {
	opts := f.opts
	if len(args) == 1 {
		opts.Output = args[0]
	}

	if f.configFile != "" {
		fileOpts := cfenc.DefaultOptions()
		if err := cfenc.LoadOptionsFile(f.configFile, &fileOpts); err != nil {
			return opts, err
		}
		fs := cmd.Flags()
		if !fs.Changed("quality") {
			opts.Quality = fileOpts.Quality
		}
		if !fs.Changed("rgb") {
			opts.RGB = fileOpts.RGB
		}
		if !fs.Changed("trc") {
			opts.Transfer = fileOpts.Transfer
		}
		if !fs.Changed("threads") {
			opts.Threads = fileOpts.Threads
		}
		if !fs.Changed("loglevel") {
			opts.LogLevel = fileOpts.LogLevel
		}
		if !fs.Changed("vo") {
			opts.VideoOnly = fileOpts.VideoOnly
		}
		if !fs.Changed("strict-order") {
			opts.StrictOrder = fileOpts.StrictOrder
		}
		if !fs.Changed("metrics-file") {
			opts.MetricsFile = fileOpts.MetricsFile
		}
	}
	if !cmd.Flags().Changed("loglevel") {
		if env := os.Getenv("LOG_LEVEL"); env != "" {
			opts.LogLevel = env
		}
	}
	return opts, opts.Validate()
}

func transcode(ctx context.Context, opts cfenc.Options, stderr io.Writer) (err error) {
	cfg, err := opts.TranscoderConfig()
	if err != nil {
		return err
	}
	level, _ := cfenc.ParseLogLevel(opts.LogLevel)
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "cfenc",
		Level:  level,
		Output: stderr,
	})
	if level != hclog.Off {
		fmt.Fprint(stderr, cfenc.Banner())
	}
	cfenc.SetAVLogger(logger.Named("av"))

	mediaIO, err := cfenc.NewMediaIO()
	if err != nil {
		return cfenc.NewStageError(cfenc.StageInput, "open media backend", err)
	}

	metrics := cfenc.NewMetrics()
	cfg.Logger = logger
	cfg.Metrics = metrics
	if level != hclog.Off {
		cfg.Progress = cfenc.NewProgress(stderr, 0, logger)
	}

	t, err := cfenc.NewTranscoder(cfg, cfenc.TranscoderDeps{IO: mediaIO})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			logger.Warn("cleanup failed", "error", cerr)
		}
		if merr := metrics.WriteTextfile(opts.MetricsFile); merr != nil {
			logger.Warn("metrics not written", "error", merr)
		}
	}()

	if err := t.Open(ctx); err != nil {
		return err
	}
	stats, err := t.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted", "frames", stats.Frames)
		}
		return err
	}
	logger.Info(fmt.Sprintf("Encoded %s", stats))
	return nil
}

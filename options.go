package cfenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// Options is the complete user configuration of one run.
type Options struct {
	Input  string `yaml:"-"`
	Output string `yaml:"-"`

	Quality     string `yaml:"quality"`
	RGB         bool   `yaml:"rgb"`
	Transfer    int    `yaml:"trc"`
	Threads     int    `yaml:"threads"`
	LogLevel    string `yaml:"loglevel"`
	VideoOnly   bool   `yaml:"video_only"`
	StrictOrder bool   `yaml:"strict_order"`
	MetricsFile string `yaml:"metrics_file"`

	// Raw input hints, all or none
	VideoSize   string `yaml:"-"`
	FrameRate   string `yaml:"-"`
	PixelFormat string `yaml:"-"`

	Aspect string `yaml:"-"` // Display aspect override, N:D
}

// DefaultOptions returns the options used when nothing is set.
func DefaultOptions() Options {
	return Options{
		Quality:  QualityDefault.Flag(),
		LogLevel: "info",
	}
}

// LoadOptionsFile overlays the YAML file at path on opts.
func LoadOptionsFile(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read options file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidOption, path, err)
	}
	return nil
}

var (
	videoSizePattern = regexp.MustCompile(`^([0-9]+)x([0-9]+)$`)
	frameRatePattern = regexp.MustCompile(`^([0-9]+)/([0-9]+)$`)
	aspectPattern    = regexp.MustCompile(`^([0-9]+):([0-9]+)$`)
	pixFmtPattern    = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// ParseVideoSize parses WxH.
func ParseVideoSize(s string) (width, height int, err error) {
	m := videoSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: video_size %q", ErrInvalidOption, s)
	}
	width, _ = strconv.Atoi(m[1])
	height, _ = strconv.Atoi(m[2])
	if width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("%w: video_size %q", ErrInvalidOption, s)
	}
	return width, height, nil
}

// ParseFrameRate parses N/D, e.g. 30000/1001.
func ParseFrameRate(s string) (Rational, error) {
	return parseRatio(frameRatePattern, "framerate", s)
}

// ParseAspect parses a display aspect ratio N:D, e.g. 16:9.
func ParseAspect(s string) (Rational, error) {
	return parseRatio(aspectPattern, "aspect", s)
}

func parseRatio(re *regexp.Regexp, name, s string) (Rational, error) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return Rational{}, fmt.Errorf("%w: %s %q", ErrInvalidOption, name, s)
	}
	num, err1 := strconv.Atoi(m[1])
	den, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || num < 1 || den < 1 {
		return Rational{}, fmt.Errorf("%w: %s %q", ErrInvalidOption, name, s)
	}
	return R(num, den), nil
}

// ParseLogLevel maps quiet, info and debug to an hclog level.
func ParseLogLevel(s string) (hclog.Level, error) {
	switch strings.ToLower(s) {
	case "quiet":
		return hclog.Off, nil
	case "", "info":
		return hclog.Info, nil
	case "debug":
		return hclog.Debug, nil
	default:
		return hclog.NoLevel, fmt.Errorf("%w: loglevel %q", ErrInvalidOption, s)
	}
}

// Validate checks every option and their combinations.
func (o Options) Validate() error {
	if _, err := ParseQuality(o.Quality); err != nil {
		return err
	}
	if o.Transfer != 0 && !TransferCharacteristic(o.Transfer).Valid() {
		return fmt.Errorf("%w: trc %d (want 601 or 709)", ErrInvalidOption, o.Transfer)
	}
	if o.Threads < 0 {
		return fmt.Errorf("%w: threads must be >= 0", ErrInvalidOption)
	}
	if _, err := ParseLogLevel(o.LogLevel); err != nil {
		return err
	}

	raw := 0
	for _, v := range []string{o.VideoSize, o.FrameRate, o.PixelFormat} {
		if v != "" {
			raw++
		}
	}
	if raw != 0 && raw != 3 {
		return fmt.Errorf("%w: raw video input needs video size, frame rate and pixel format; %d of 3 set",
			ErrInvalidOption, raw)
	}
	if _, err := o.rawHints(); err != nil {
		return err
	}
	if o.Aspect != "" {
		if _, err := ParseAspect(o.Aspect); err != nil {
			return err
		}
	}

	if o.Input == "" {
		return fmt.Errorf("%w: no input", ErrInvalidOption)
	}
	if o.Output == "" {
		return fmt.Errorf("%w: no output", ErrInvalidOption)
	}
	if samePath(o.Input, o.Output) {
		return fmt.Errorf("%w: input and output files are the same", ErrInvalidOption)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func (o Options) rawHints() (*RawVideoHints, error) {
	if o.VideoSize == "" && o.FrameRate == "" && o.PixelFormat == "" {
		return nil, nil
	}
	w, h, err := ParseVideoSize(o.VideoSize)
	if err != nil {
		return nil, err
	}
	rate, err := ParseFrameRate(o.FrameRate)
	if err != nil {
		return nil, err
	}
	if !pixFmtPattern.MatchString(o.PixelFormat) {
		return nil, fmt.Errorf("%w: pix_fmt %q", ErrInvalidOption, o.PixelFormat)
	}
	return &RawVideoHints{Width: w, Height: h, FrameRate: rate, PixelFormat: PixelFormat(o.PixelFormat)}, nil
}

// TranscoderConfig converts validated options. Logger, metrics and progress
// are left for the caller.
func (o Options) TranscoderConfig() (TranscoderConfig, error) {
	if err := o.Validate(); err != nil {
		return TranscoderConfig{}, NewStageError(StageConfig, "validate options", err)
	}
	q, _ := ParseQuality(o.Quality)
	raw, _ := o.rawHints()
	var aspect Rational
	if o.Aspect != "" {
		aspect, _ = ParseAspect(o.Aspect)
	}
	return TranscoderConfig{
		Input:  InputSpec{Path: o.Input, Raw: raw, Aspect: aspect},
		Output: o.Output,
		Format: FormatOptions{
			RGB:      o.RGB,
			Transfer: TransferCharacteristic(o.Transfer),
			Quality:  q,
			Threads:  o.Threads,
		},
		VideoOnly:   o.VideoOnly,
		StrictOrder: o.StrictOrder,
	}, nil
}

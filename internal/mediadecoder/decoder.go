// Package mediadecoder adapts the image codec stack (imaging/go-webp/x-image)
// behind the media decoder abstraction the pipeline needs: probe dimensions,
// resize+re-encode at an arbitrary target size/format/quality, and detect
// animated/video sources that must bypass re-encoding entirely.
package mediadecoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register gif decoding
	_ "image/jpeg" // register jpeg decoding
	"image/png"
	"io"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	_ "golang.org/x/image/bmp"  // register bmp decoding
	_ "golang.org/x/image/tiff" // register tiff decoding
	xwebp "golang.org/x/image/webp"
)

var (
	ErrInvalidFormat     = errors.New("mediadecoder: invalid image format")
	ErrInvalidDimensions = errors.New("mediadecoder: invalid image dimensions")
	ErrCorruptedImage    = errors.New("mediadecoder: corrupted image")
)

// Format is an output encoding for Resize.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// videoExtensions forces direct-access/pass-through mode in the scan worker;
// listed here because IsAnimated is the single source of truth for "does not
// get re-encoded".
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true,
}

// Dimensions is a decoded image's pixel size.
type Dimensions struct {
	Width  int
	Height int
}

// Config holds media decoder tuning, loaded the way every other adapter in
// this codebase loads its tuning: env-overlaid defaults plus a Validate pass.
type Config struct {
	JPEGQuality int     // 0-100, default 85
	WebPQuality float32 // 0-100, default 75
	MinWidth    int     // default 1
	MinHeight   int     // default 1
	MaxWidth    int     // default 16384
	MaxHeight   int     // default 16384
}

func DefaultConfig() Config {
	return Config{
		JPEGQuality: 85,
		WebPQuality: 75,
		MinWidth:    1,
		MinHeight:   1,
		MaxWidth:    16384,
		MaxHeight:   16384,
	}
}

// LoadConfigFromEnv overlays DefaultConfig with the following variables:
//   - MEDIA_JPEG_QUALITY (0-100)
//   - MEDIA_WEBP_QUALITY (0-100)
//   - MEDIA_MIN_WIDTH, MEDIA_MIN_HEIGHT
//   - MEDIA_MAX_WIDTH, MEDIA_MAX_HEIGHT
func LoadConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if v := getenv("MEDIA_JPEG_QUALITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MEDIA_JPEG_QUALITY: %w", err)
		}
		if n < 0 || n > 100 {
			return cfg, fmt.Errorf("MEDIA_JPEG_QUALITY must be between 0 and 100")
		}
		cfg.JPEGQuality = n
	}

	if v := getenv("MEDIA_WEBP_QUALITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MEDIA_WEBP_QUALITY: %w", err)
		}
		if n < 0 || n > 100 {
			return cfg, fmt.Errorf("MEDIA_WEBP_QUALITY must be between 0 and 100")
		}
		cfg.WebPQuality = float32(n)
	}

	for env, dst := range map[string]*int{
		"MEDIA_MIN_WIDTH": &cfg.MinWidth, "MEDIA_MIN_HEIGHT": &cfg.MinHeight,
		"MEDIA_MAX_WIDTH": &cfg.MaxWidth, "MEDIA_MAX_HEIGHT": &cfg.MaxHeight,
	} {
		if v := getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", env, err)
			}
			if n <= 0 {
				return cfg, fmt.Errorf("%s must be positive", env)
			}
			*dst = n
		}
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEGQuality must be between 0 and 100")
	}
	if c.WebPQuality < 0 || c.WebPQuality > 100 {
		return fmt.Errorf("WebPQuality must be between 0 and 100")
	}
	if c.MinWidth <= 0 || c.MinHeight <= 0 {
		return fmt.Errorf("MinWidth/MinHeight must be positive")
	}
	if c.MaxWidth < c.MinWidth || c.MaxHeight < c.MinHeight {
		return fmt.Errorf("MaxWidth/MaxHeight must be >= MinWidth/MinHeight")
	}
	return nil
}

// ResizeOptions configures a single Resize call.
type ResizeOptions struct {
	Width   int
	Height  int
	Format  Format
	Quality int // 0-100, overrides Config's per-format default when > 0
}

// Decoder is the media decoder adapter port. It works on byte streams rather
// than file paths, since an image may live inside an archive and never touch
// disk outside the worker's own scratch writes.
type Decoder interface {
	Probe(ctx context.Context, r io.Reader) (Dimensions, Format, error)
	IsAnimated(entryName string, header []byte) bool
	Resize(ctx context.Context, r io.Reader, opts ResizeOptions, w io.Writer) error
	Validate(ctx context.Context, r io.Reader) error
}

// ImageDecoder implements Decoder over imaging/go-webp/x-image.
type ImageDecoder struct {
	config Config
}

func New(config Config) *ImageDecoder {
	return &ImageDecoder{config: config}
}

func (d *ImageDecoder) Probe(_ context.Context, r io.Reader) (Dimensions, Format, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Dimensions{}, "", ErrInvalidFormat
		}
		return Dimensions{}, "", fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, Format(format), nil
}

// IsAnimated reports whether entryName/header identify a source that must be
// passed through unchanged rather than re-encoded: animated GIF, animated
// WebP (VP8X chunk with the ANIM flag set), APNG (acTL chunk before IDAT),
// or any video container.
func (d *ImageDecoder) IsAnimated(entryName string, header []byte) bool {
	ext := strings.ToLower(extOf(entryName))
	if videoExtensions[ext] {
		return true
	}
	switch ext {
	case ".gif":
		return true
	case ".webp":
		return isAnimatedWebP(header)
	case ".png":
		return isAnimatedPNG(header)
	default:
		return false
	}
}

func isAnimatedWebP(header []byte) bool {
	// RIFF....WEBPVP8X chunk, flags byte bit 1 (0x02) is the animation flag.
	if len(header) < 21 || string(header[0:4]) != "RIFF" || string(header[8:12]) != "WEBP" {
		return false
	}
	if string(header[12:16]) != "VP8X" {
		return false
	}
	flags := header[20]
	return flags&0x02 != 0
}

func isAnimatedPNG(header []byte) bool {
	// PNG signature followed by chunks; an acTL chunk before the first IDAT
	// marks an APNG. header is expected to contain at least the leading
	// chunks (callers pass enough of the file for this to be reliable).
	idx := bytes.Index(header, []byte("acTL"))
	idatIdx := bytes.Index(header, []byte("IDAT"))
	if idx < 0 {
		return false
	}
	return idatIdx < 0 || idx < idatIdx
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// Resize decodes r, resizes to fit opts.Width x opts.Height preserving aspect
// ratio, and encodes the result to w in opts.Format. Callers must never call
// Resize on an animated/video source identified by IsAnimated; those sources
// are copied through byte-for-byte instead.
func (d *ImageDecoder) Resize(_ context.Context, r io.Reader, opts ResizeOptions, w io.Writer) error {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}

	resized := imaging.Fit(src, opts.Width, opts.Height, imaging.Lanczos)

	switch opts.Format {
	case FormatPNG:
		return png.Encode(w, resized)
	case FormatWebP:
		quality := d.config.WebPQuality
		if opts.Quality > 0 {
			quality = float32(opts.Quality)
		}
		options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
		if err != nil {
			return fmt.Errorf("failed to build webp encoder options: %w", err)
		}
		return webp.Encode(w, resized, options)
	case FormatJPEG, "":
		quality := d.config.JPEGQuality
		if opts.Quality > 0 {
			quality = opts.Quality
		}
		return imaging.Encode(w, resized, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return fmt.Errorf("%w: unsupported output format %s", ErrInvalidFormat, opts.Format)
	}
}

// Validate confirms r decodes as one of the supported formats within the
// configured dimension bounds.
func (d *ImageDecoder) Validate(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return ErrInvalidFormat
		}
		return fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}

	switch strings.ToLower(format) {
	case "jpeg", "jpg", "png", "gif", "bmp", "tiff":
	case "webp":
	default:
		return fmt.Errorf("%w: unsupported format %s", ErrInvalidFormat, format)
	}

	if cfg.Width < d.config.MinWidth || cfg.Height < d.config.MinHeight {
		return fmt.Errorf("%w: image too small (%dx%d), minimum is %dx%d",
			ErrInvalidDimensions, cfg.Width, cfg.Height, d.config.MinWidth, d.config.MinHeight)
	}
	if cfg.Width > d.config.MaxWidth || cfg.Height > d.config.MaxHeight {
		return fmt.Errorf("%w: image too large (%dx%d), maximum is %dx%d",
			ErrInvalidDimensions, cfg.Width, cfg.Height, d.config.MaxWidth, d.config.MaxHeight)
	}

	if strings.ToLower(format) == "webp" {
		if _, err := xwebp.Decode(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedImage, err)
		}
		return nil
	}

	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	return nil
}

package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	DefaultFilter          = "lanczos"
	DefaultMaxScaleFactor  = 8
	DefaultMaxSourcePixels = 16 * 1024 * 1024
	DefaultMaxOutputPixels = 64 * 1024 * 1024
)

var filters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"mitchell":   imaging.MitchellNetravali,
	"bspline":    imaging.BSpline,
	"hermite":    imaging.Hermite,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// Options configures an Upscaler
type Options struct {
	Filter          string
	MaxScaleFactor  int
	MaxSourcePixels int
	MaxOutputPixels int
}

// Upscaler enlarges images by an integer factor with an interpolation filter
// and always encodes the result as PNG
type Upscaler struct {
	filter          imaging.ResampleFilter
	filterName      string
	maxScaleFactor  int
	maxSourcePixels int
	maxOutputPixels int
}

// NewUpscaler validates the options and builds an Upscaler
func NewUpscaler(opts Options) (*Upscaler, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Filter))
	if name == "" {
		name = DefaultFilter
	}

	filter, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("unknown resample filter %q", opts.Filter)
	}

	u := &Upscaler{
		filter:          filter,
		filterName:      name,
		maxScaleFactor:  opts.MaxScaleFactor,
		maxSourcePixels: opts.MaxSourcePixels,
		maxOutputPixels: opts.MaxOutputPixels,
	}
	if u.maxScaleFactor <= 0 {
		u.maxScaleFactor = DefaultMaxScaleFactor
	}
	if u.maxSourcePixels <= 0 {
		u.maxSourcePixels = DefaultMaxSourcePixels
	}
	if u.maxOutputPixels <= 0 {
		u.maxOutputPixels = DefaultMaxOutputPixels
	}
	return u, nil
}

// Load builds an Upscaler and runs one warm-up transform so a broken engine
// fails at startup rather than on the first job
func Load(ctx context.Context, opts Options) (*Upscaler, error) {
	u, err := NewUpscaler(opts)
	if err != nil {
		return nil, err
	}

	sample := imaging.New(4, 4, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sample, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode warm-up image: %w", err)
	}

	out, err := u.Apply(ctx, buf.Bytes(), Params{ScaleFactor: 2})
	if err != nil {
		return nil, fmt.Errorf("warm-up transform failed: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("warm-up output is not an image: %w", err)
	}
	if cfg.Width != 8 || cfg.Height != 8 {
		return nil, fmt.Errorf("warm-up output has size %dx%d, want 8x8", cfg.Width, cfg.Height)
	}

	return u, nil
}

// FilterName returns the configured resample filter
func (u *Upscaler) FilterName() string {
	return u.filterName
}

func (u *Upscaler) Apply(ctx context.Context, src []byte, p Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.ScaleFactor < 1 || p.ScaleFactor > u.maxScaleFactor {
		return nil, Permanent(fmt.Errorf("scale factor %d out of range [1, %d]", p.ScaleFactor, u.maxScaleFactor))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to read image header: %w", err))
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(u.maxSourcePixels) {
		return nil, Permanent(fmt.Errorf("source image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, u.maxSourcePixels))
	}
	f := int64(p.ScaleFactor)
	if out := int64(cfg.Width) * int64(cfg.Height) * f * f; out > int64(u.maxOutputPixels) {
		return nil, Permanent(fmt.Errorf("output %dx%d exceeds %d pixels", int64(cfg.Width)*f, int64(cfg.Height)*f, u.maxOutputPixels))
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to decode image: %w", err))
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, Permanent(errors.New("source image is empty"))
	}

	out := img
	if p.ScaleFactor > 1 {
		out = imaging.Resize(img, bounds.Dx()*p.ScaleFactor, bounds.Dy()*p.ScaleFactor, u.filter)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

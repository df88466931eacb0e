package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/nfnt/resize"

	"github.com/TIANLI0/DepthKit/model"
)

// Layer is one produced artifact: the alpha-masked copy of the source image
// plus its encodings and metadata.
type Layer struct {
	Info      model.LayerInfo
	Image     *image.NRGBA
	PNG       []byte
	Thumbnail []byte
}

const (
	BorderExtend  = "extend"  // dilated pixels keep the source image's colors
	BorderOutline = "outline" // dilated pixels are filled with a flat color
)

// CompositorOptions configure layer rendering. BorderWidth 0 disables
// silhouette dilation.
type CompositorOptions struct {
	BorderWidth   int
	BorderMode    string
	BorderColor   color.NRGBA
	ThumbnailSize int
	Dilator       Dilator
}

type LayerCompositor struct {
	opts CompositorOptions
}

func NewLayerCompositor(opts CompositorOptions) *LayerCompositor {
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = 256
	}
	if opts.BorderMode == "" {
		opts.BorderMode = BorderExtend
	}
	if opts.Dilator == nil {
		opts.Dilator = MorphDilator{}
	}
	return &LayerCompositor{opts: opts}
}

// Composite produces the layer for one depth range: a copy of colorImg with
// alpha zeroed wherever the depth field falls outside the range. The final
// range additionally accepts equality at the full scale so no pixel is
// dropped from every layer. colorImg must be origin-anchored NRGBA with the
// same dimensions as the field; neither input is mutated.
func (c *LayerCompositor) Composite(ctx context.Context, colorImg *image.NRGBA, field *DepthField, rng model.DepthRange, ordinal int, final bool) (*Layer, error) {
	w, h := field.Width, field.Height

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	copy(out.Pix, colorImg.Pix)

	for y := 0; y < h; y++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		for x := 0; x < w; x++ {
			if !inRange(field.At(x, y), rng, final) {
				out.Pix[y*out.Stride+x*4+3] = 0
			}
		}
	}

	if c.opts.BorderWidth > 0 {
		if err := c.dilateBorder(out); err != nil {
			return nil, fmt.Errorf("border dilation: %w", err)
		}
	}

	encoded, err := encodePNG(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layer %d: %w", ordinal, err)
	}

	thumb := resize.Thumbnail(uint(c.opts.ThumbnailSize), uint(c.opts.ThumbnailSize), out, resize.Lanczos3)
	thumbEncoded, err := encodePNG(thumb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layer %d thumbnail: %w", ordinal, err)
	}

	return &Layer{
		Info: model.LayerInfo{
			Ordinal:  ordinal,
			Filename: fmt.Sprintf("%04d.png", ordinal-1),
			Range:    rng,
			Width:    w,
			Height:   h,
			Size:     len(encoded),
		},
		Image:     out,
		PNG:       encoded,
		Thumbnail: thumbEncoded,
	}, nil
}

func inRange(d float64, r model.DepthRange, final bool) bool {
	if d < r.Min {
		return false
	}
	if d >= r.Max {
		return final && d == r.Max
	}
	return true
}

// dilateBorder grows the opaque region outward by the configured width.
// Newly opaque pixels take the source image's own colors in extend mode, or
// the configured silhouette color in outline mode. The color plane of out is
// fully populated even where masked, so extend mode only has to raise alpha.
func (c *LayerCompositor) dilateBorder(out *image.NRGBA) error {
	w := out.Rect.Dx()
	h := out.Rect.Dy()

	mask := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if out.Pix[y*out.Stride+x*4+3] != 0 {
				mask[y*w+x] = 255
			}
		}
	}

	grown, err := c.opts.Dilator.Grow(mask, w, h, c.opts.BorderWidth)
	if err != nil {
		return err
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*out.Stride + x*4
			if grown[y*w+x] == 0 || out.Pix[i+3] != 0 {
				continue
			}
			if c.opts.BorderMode == BorderOutline {
				out.Pix[i] = c.opts.BorderColor.R
				out.Pix[i+1] = c.opts.BorderColor.G
				out.Pix[i+2] = c.opts.BorderColor.B
			}
			out.Pix[i+3] = 255
		}
	}
	return nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseHexColor parses "#rrggbb" into an opaque NRGBA, falling back to
// white on malformed input.
func ParseHexColor(s string) color.NRGBA {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

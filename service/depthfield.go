package service

import (
	"image"

	"golang.org/x/image/draw"
)

// depthScale is the upper bound of the normalized depth axis.
const depthScale = 100.0

// DepthField is a dense per-pixel depth map normalized to [0, depthScale].
// Its dimensions always equal the color image it was extracted against.
type DepthField struct {
	Width  int
	Height int
	values []float64
}

// At returns the depth value at (x, y). Coordinates are zero-based.
func (f *DepthField) At(x, y int) float64 {
	return f.values[y*f.Width+x]
}

// Channel selects which component of the depth image carries the signal.
type Channel int

const (
	ChannelRed Channel = iota
	ChannelGreen
	ChannelBlue
)

// ParseChannel maps a config string to a Channel, defaulting to red.
func ParseChannel(name string) Channel {
	switch name {
	case "green":
		return ChannelGreen
	case "blue":
		return ChannelBlue
	default:
		return ChannelRed
	}
}

// ExtractOptions configure depth field extraction. Invert flips the scale
// for near_high depth sources so that bin 0 always holds the nearest band.
type ExtractOptions struct {
	Channel Channel
	Invert  bool
}

type DepthFieldExtractor struct {
	opts ExtractOptions
}

func NewDepthFieldExtractor(opts ExtractOptions) *DepthFieldExtractor {
	return &DepthFieldExtractor{opts: opts}
}

// Extract derives the normalized depth field for colorImg from depthImg.
// When the depth image's dimensions differ from the color image's, it is
// resampled with Catmull-Rom interpolation first. Degenerate inputs (1x1,
// uniform) still produce a field.
func (e *DepthFieldExtractor) Extract(colorImg, depthImg image.Image) *DepthField {
	bounds := colorImg.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	depth := ToNRGBA(depthImg)
	if depth.Bounds().Dx() != w || depth.Bounds().Dy() != h {
		depth = Resample(depth, w, h)
	}

	field := &DepthField{
		Width:  w,
		Height: h,
		values: make([]float64, w*h),
	}

	off := int(e.opts.Channel)
	for y := 0; y < h; y++ {
		row := depth.Pix[y*depth.Stride : y*depth.Stride+w*4]
		for x := 0; x < w; x++ {
			v := float64(row[x*4+off]) / 255 * depthScale
			if e.opts.Invert {
				v = depthScale - v
			}
			field.values[y*w+x] = v
		}
	}

	return field
}

// ToNRGBA normalizes any decoded image to a compact NRGBA buffer anchored at
// the origin. Sub-images keep their parent's stride, so the fast path also
// requires rows to be exactly 4*width bytes.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok &&
		n.Bounds().Min == image.Pt(0, 0) &&
		n.Stride == 4*n.Bounds().Dx() {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resample scales src to the given dimensions with Catmull-Rom
// interpolation.
func Resample(src *image.NRGBA, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

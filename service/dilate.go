package service

import (
	"image"

	"gocv.io/x/gocv"
)

// Dilator grows a binary mask's set region outward by a fixed pixel radius.
// Growth must be isotropic and idempotent once the region covers the whole
// mask.
type Dilator interface {
	Grow(mask []byte, width, height, radius int) ([]byte, error)
}

// MorphDilator dilates with an elliptical structuring element of diameter
// 2*radius+1.
type MorphDilator struct{}

func (MorphDilator) Grow(mask []byte, width, height, radius int) ([]byte, error) {
	if radius <= 0 {
		return mask, nil
	}

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, mask)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 2*radius + 1, Y: 2*radius + 1})
	defer kernel.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Dilate(src, &dst, kernel)

	return dst.ToBytes()
}

package service

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// LocalDepthEstimator is the fallback depth source used when no remote
// estimation service is configured. It approximates depth from focus: the
// Gaussian-blurred Sobel gradient magnitude serves as a nearness proxy
// (in-focus, detailed regions read as near). The result is a rough
// stand-in, not a real depth model, but it keeps the pipeline usable
// offline. Emitted maps follow the near_low convention: near pixels are
// dark.
type LocalDepthEstimator struct{}

func NewLocalDepthEstimator() *LocalDepthEstimator {
	return &LocalDepthEstimator{}
}

// DepthMap implements DepthSource.
func (e *LocalDepthEstimator) DepthMap(ctx context.Context, colorImg image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := gocv.ImageToMatRGBA(ToNRGBA(colorImg))
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)

	gradX := gocv.NewMat()
	gradY := gocv.NewMat()
	defer gradX.Close()
	defer gradY.Close()
	gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderDefault)

	absGradX := gocv.NewMat()
	absGradY := gocv.NewMat()
	defer absGradX.Close()
	defer absGradY.Close()
	gocv.ConvertScaleAbs(gradX, &absGradX, 1, 0)
	gocv.ConvertScaleAbs(gradY, &absGradY, 1, 0)

	gradient := gocv.NewMat()
	defer gradient.Close()
	gocv.AddWeighted(absGradX, 0.5, absGradY, 0.5, 0, &gradient)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gradient, &blurred, image.Point{X: 21, Y: 21}, 0, 0, gocv.BorderDefault)

	normalized := gocv.NewMat()
	defer normalized.Close()
	gocv.Normalize(blurred, &normalized, 0, 255, gocv.NormMinMax)

	// High gradient means near; flip so near pixels come out dark.
	depth := gocv.NewMat()
	defer depth.Close()
	gocv.BitwiseNot(normalized, &depth)

	return depth.ToImage()
}

package service

import (
	"errors"
	"fmt"
	"math"

	"github.com/TIANLI0/DepthKit/model"
)

// ErrConfig marks slicing parameters rejected before any pipeline work.
var ErrConfig = errors.New("invalid slicing parameters")

// Partition splits [0, depthScale] into layerCount contiguous ranges in
// ascending depth order. Every range except the last has its upper bound
// extended by overlap, clamped to the full scale; lower bounds are never
// shifted, so a pixel near a boundary may belong to two adjacent layers but
// never to none. Bounds are rounded to one decimal for reproducibility.
func Partition(layerCount int, overlap float64) ([]model.DepthRange, error) {
	if layerCount < 1 {
		return nil, fmt.Errorf("%w: layer count must be at least 1, got %d", ErrConfig, layerCount)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %g", ErrConfig, overlap)
	}

	step := depthScale / float64(layerCount)
	ranges := make([]model.DepthRange, layerCount)
	for i := range ranges {
		max := depthScale
		if i < layerCount-1 {
			max = round1(math.Min(depthScale, step*float64(i+1)+overlap))
		}
		ranges[i] = model.DepthRange{
			Min: round1(step * float64(i)),
			Max: max,
		}
	}
	return ranges, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/model"
	"github.com/TIANLI0/DepthKit/utils"
)

// ErrBadInput marks missing or unreadable input images.
var ErrBadInput = errors.New("bad input")

// DepthSource supplies a depth map for a color image when the client does
// not upload one. Implementations own any authentication, retry and polling
// concerns; the pipeline only sees the resulting raster image.
type DepthSource interface {
	DepthMap(ctx context.Context, colorImg image.Image) (image.Image, error)
}

// SliceRequest is one slicing run's inputs. Depth may be nil, in which case
// the configured DepthSource is asked for a map.
type SliceRequest struct {
	Color   image.Image
	Depth   image.Image
	MD5     string
	Layers  int
	Overlap float64
	Border  int
}

// SlicerService decomposes a color image into depth-bounded transparent
// layers.
type SlicerService struct {
	cfg          config.SlicerConfig
	extract      ExtractOptions
	semaphore    chan struct{}
	queueTimeout time.Duration
	cache        *RedisService
	source       DepthSource
}

func NewSlicerService(cfg *config.Config, cache *RedisService, source DepthSource) *SlicerService {
	maxConcurrent := cfg.Slicer.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SlicerService{
		cfg: cfg.Slicer,
		extract: ExtractOptions{
			Channel: ParseChannel(cfg.DepthSource.Channel),
			Invert:  cfg.DepthSource.Polarity == "near_high",
		},
		semaphore:    make(chan struct{}, maxConcurrent),
		queueTimeout: time.Duration(cfg.Slicer.QueueTimeout) * time.Second,
		cache:        cache,
		source:       source,
	}
}

// Normalize applies configured defaults and rejects out-of-range parameters
// before any pipeline work starts.
func (s *SlicerService) Normalize(req *SliceRequest) error {
	if req.Color == nil {
		return fmt.Errorf("%w: missing color image", ErrBadInput)
	}
	if req.Layers == 0 {
		req.Layers = s.cfg.DefaultLayers
	}
	if req.Layers < 1 || req.Layers > s.cfg.MaxLayers {
		return fmt.Errorf("%w: layer count must be between 1 and %d, got %d", ErrConfig, s.cfg.MaxLayers, req.Layers)
	}
	if req.Overlap < 0 || req.Overlap > s.cfg.MaxOverlap {
		return fmt.Errorf("%w: overlap must be between 0 and %g, got %g", ErrConfig, s.cfg.MaxOverlap, req.Overlap)
	}
	if req.Border < 0 || req.Border > s.cfg.MaxBorder {
		return fmt.Errorf("%w: border width must be between 0 and %d, got %d", ErrConfig, s.cfg.MaxBorder, req.Border)
	}
	return nil
}

// Run drives a registered job through the pipeline, caches the result and
// settles the job's terminal state. Intended to be called on its own
// goroutine per job.
func (s *SlicerService) Run(job *Job, req SliceRequest) {
	start := time.Now()

	result, layers, err := s.Process(job.Context(), req, job.update)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			utils.Logger.Info("slicing cancelled", zap.String("job", job.ID))
			return
		}
		utils.Logger.Error("slicing failed",
			zap.String("job", job.ID),
			zap.String("md5", req.MD5),
			zap.Error(err))
		job.fail(err)
		return
	}

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.cache.SetSliceResult(ctx, CacheKey(req.MD5, req.Layers, req.Overlap, req.Border), result); err != nil {
			utils.Logger.Warn("failed to cache slice result", zap.Error(err))
		}
		cancel()
	}

	utils.Logger.Info("image sliced",
		zap.String("job", job.ID),
		zap.String("md5", req.MD5),
		zap.Int("layers", result.LayerCount),
		zap.Float64("overlap", result.Overlap),
		zap.Int("border", result.Border),
		zap.Duration("duration", time.Since(start)))

	job.complete(result, layers)
}

// Process runs the pipeline: extract the depth field, partition the depth
// scale, composite one layer per range. Either the complete ordered result
// is returned or none of it. report may be nil; per-layer progress is always
// surfaced in ascending ordinal order even when compositing runs on
// concurrent workers.
func (s *SlicerService) Process(ctx context.Context, req SliceRequest, report func(ProgressEvent)) (*model.SliceResult, []*Layer, error) {
	if report == nil {
		report = func(ProgressEvent) {}
	}

	if err := s.Normalize(&req); err != nil {
		return nil, nil, err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.queueTimeout)
	defer cancelWait()
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.New("slicing queue is full, try again later")
	}

	report(ProgressEvent{State: StateExtracting, Percent: 0, Message: "extracting depth field"})

	depthImg := req.Depth
	if depthImg == nil {
		if s.source == nil {
			return nil, nil, fmt.Errorf("%w: no depth image supplied and no depth source configured", ErrBadInput)
		}
		var err error
		depthImg, err = s.source.DepthMap(ctx, req.Color)
		if err != nil {
			return nil, nil, fmt.Errorf("depth source: %w", err)
		}
	}

	colorImg := ToNRGBA(req.Color)
	field := NewDepthFieldExtractor(s.extract).Extract(colorImg, depthImg)

	report(ProgressEvent{State: StatePartitioning, Percent: 10, Message: "partitioning depth ranges"})

	ranges, err := Partition(req.Layers, req.Overlap)
	if err != nil {
		return nil, nil, err
	}

	layers, err := s.compositeAll(ctx, colorImg, field, ranges, req.Border, report)
	if err != nil {
		return nil, nil, err
	}

	infos := make([]model.LayerInfo, len(layers))
	for i, l := range layers {
		infos[i] = l.Info
	}

	result := &model.SliceResult{
		MD5:        req.MD5,
		Width:      field.Width,
		Height:     field.Height,
		LayerCount: len(layers),
		Overlap:    req.Overlap,
		Border:     req.Border,
		Layers:     infos,
		Timestamp:  time.Now().Unix(),
	}
	return result, layers, nil
}

// compositeAll renders one layer per range on a bounded worker pool. The
// color image and depth field are shared read-only; workers write into
// index-addressed slots so the result keeps ordinal order regardless of
// completion order.
func (s *SlicerService) compositeAll(ctx context.Context, colorImg *image.NRGBA, field *DepthField, ranges []model.DepthRange, border int, report func(ProgressEvent)) ([]*Layer, error) {
	n := len(ranges)
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	comp := NewLayerCompositor(CompositorOptions{
		BorderWidth:   border,
		BorderMode:    s.cfg.BorderMode,
		BorderColor:   ParseHexColor(s.cfg.BorderColor),
		ThumbnailSize: s.cfg.ThumbnailSize,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	layers := make([]*Layer, n)
	done := make([]bool, n)
	next := 0

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)

	tasks := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				layer, err := comp.Composite(runCtx, colorImg, field, ranges[i], i+1, i == n-1)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancelRun()
					}
					mu.Unlock()
					continue
				}
				layers[i] = layer
				done[i] = true
				for next < n && done[next] {
					ordinal := next + 1
					report(ProgressEvent{
						State:   StateCompositing,
						Percent: 10 + 90*float64(ordinal)/float64(n),
						Message: fmt.Sprintf("composited layer %d of %d (%s)", ordinal, n, ranges[next].Label()),
						Ordinal: ordinal,
					})
					next++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case tasks <- i:
		case <-runCtx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

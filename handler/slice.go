package handler

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/model"
	"github.com/TIANLI0/DepthKit/service"
	"github.com/TIANLI0/DepthKit/utils"
)

type SliceHandler struct {
	cfg          *config.Config
	redisService *service.RedisService
	slicer       *service.SlicerService
	jobs         *service.JobRegistry
}

func NewSliceHandler(cfg *config.Config, redis *service.RedisService, slicer *service.SlicerService, jobs *service.JobRegistry) *SliceHandler {
	return &SliceHandler{
		cfg:          cfg,
		redisService: redis,
		slicer:       slicer,
		jobs:         jobs,
	}
}

// Slice accepts a color image (form field "image") and an optional
// co-registered depth map (form field "depth"), validates both, and starts
// an asynchronous slicing job. On a cache hit the stored result is returned
// directly.
func (h *SliceHandler) Slice(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "missing image file",
			Error:   err.Error(),
		})
		return
	}

	if !h.checkUpload(c, file) {
		return
	}

	var depthFile *multipart.FileHeader
	if f, err := c.FormFile("depth"); err == nil {
		if !h.checkUpload(c, f) {
			return
		}
		depthFile = f
	}

	req := service.SliceRequest{
		Layers:  h.cfg.Slicer.DefaultLayers,
		Overlap: h.cfg.Slicer.DefaultOverlap,
	}
	if !h.parseParams(c, &req) {
		return
	}

	savePath, cleanup, err := h.saveUpload(c, file)
	if err != nil {
		utils.Logger.Error("failed to save file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "failed to save uploaded file",
			Error:   err.Error(),
		})
		return
	}
	defer cleanup()

	md5, err := utils.FileMD5(savePath)
	if err != nil {
		utils.Logger.Error("failed to calculate md5", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "failed to hash uploaded file",
			Error:   err.Error(),
		})
		return
	}
	req.MD5 = md5

	colorImg, err := decodeImage(savePath)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "unreadable color image",
			Error:   err.Error(),
		})
		return
	}
	req.Color = colorImg

	if depthFile != nil {
		depthPath, depthCleanup, err := h.saveUpload(c, depthFile)
		if err != nil {
			utils.Logger.Error("failed to save depth file", zap.Error(err))
			c.JSON(http.StatusInternalServerError, model.ErrorResponse{
				Success: false,
				Message: "failed to save uploaded depth map",
				Error:   err.Error(),
			})
			return
		}
		defer depthCleanup()

		depthImg, err := decodeImage(depthPath)
		if err != nil {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{
				Success: false,
				Message: "unreadable depth image",
				Error:   err.Error(),
			})
			return
		}
		req.Depth = depthImg
	}

	if err := h.slicer.Normalize(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "invalid slicing parameters",
			Error:   err.Error(),
		})
		return
	}

	utils.Logger.Info("slice requested",
		zap.String("md5", md5),
		zap.Int64("size", file.Size),
		zap.Int("layers", req.Layers),
		zap.Float64("overlap", req.Overlap),
		zap.Int("border", req.Border),
		zap.Bool("depth_uploaded", depthFile != nil))

	if h.redisService != nil {
		key := service.CacheKey(md5, req.Layers, req.Overlap, req.Border)
		cached, err := h.redisService.GetSliceResult(c.Request.Context(), key)
		if err != nil {
			utils.Logger.Warn("failed to get cache", zap.Error(err))
		}
		if cached != nil {
			utils.Logger.Info("cache hit", zap.String("cache_key", key))
			c.JSON(http.StatusOK, model.SliceResponse{
				Success: true,
				Message: "sliced (cached)",
				Data:    cached,
			})
			return
		}
	}

	job := h.jobs.Create()
	go h.slicer.Run(job, req)

	c.JSON(http.StatusAccepted, model.SliceResponse{
		Success: true,
		Message: "slicing started",
		JobID:   job.ID,
	})
}

// JobStatus reports a job's state, progress and, once complete, its result.
func (h *SliceHandler) JobStatus(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	snap := job.Snapshot()
	resp := model.JobResponse{
		Success: true,
		State:   snap.State.String(),
		Percent: snap.Percent,
		Message: snap.Message,
	}
	if snap.State == service.StateComplete {
		resp.Data, _ = job.Result()
	}
	if snap.State == service.StateFailed {
		resp.Success = false
		resp.Error = job.Err()
	}
	c.JSON(http.StatusOK, resp)
}

// JobEvents streams progress events over SSE until the job settles.
func (h *SliceHandler) JobEvents(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return !ev.State.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// CancelJob cancels a job and discards its buffers.
func (h *SliceHandler) CancelJob(c *gin.Context) {
	if !h.jobs.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "job not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "job cancelled"})
}

// LayerPNG serves one layer's PNG, or its preview thumbnail with
// ?thumb=true.
func (h *SliceHandler) LayerPNG(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	result, layers := job.Result()
	if result == nil {
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Success: false,
			Message: "job is not complete",
		})
		return
	}

	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil || ordinal < 1 || ordinal > len(layers) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("ordinal must be between 1 and %d", len(layers)),
		})
		return
	}

	layer := layers[ordinal-1]
	data := layer.PNG
	if c.Query("thumb") == "true" {
		data = layer.Thumbnail
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", layer.Info.Filename))
	c.Data(http.StatusOK, "image/png", data)
}

// Archive serves the ZIP bundle of all layers plus the manifest.
func (h *SliceHandler) Archive(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	result, layers := job.Result()
	if result == nil {
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Success: false,
			Message: "job is not complete",
		})
		return
	}

	data, err := service.BuildArchive(result, layers)
	if err != nil {
		utils.Logger.Error("failed to build archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "failed to build archive",
			Error:   err.Error(),
		})
		return
	}

	name := "layers.zip"
	if len(result.MD5) >= 8 {
		name = "layers-" + result.MD5[:8] + ".zip"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/zip", data)
}

// GetByMD5 looks up a cached result by content hash. Slicing parameters are
// part of the cache key, so the same query params used for slicing apply.
func (h *SliceHandler) GetByMD5(c *gin.Context) {
	md5 := c.Param("md5")
	if md5 == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "missing md5 parameter",
		})
		return
	}
	if h.redisService == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "cache is not available",
		})
		return
	}

	req := service.SliceRequest{
		Layers:  h.cfg.Slicer.DefaultLayers,
		Overlap: h.cfg.Slicer.DefaultOverlap,
	}
	if !h.parseParams(c, &req) {
		return
	}

	key := service.CacheKey(md5, req.Layers, req.Overlap, req.Border)
	result, err := h.redisService.GetSliceResult(c.Request.Context(), key)
	if err != nil {
		utils.Logger.Error("failed to get slice result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "lookup failed",
			Error:   err.Error(),
		})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "no slicing result for this image",
		})
		return
	}

	c.JSON(http.StatusOK, model.SliceResponse{
		Success: true,
		Message: "found",
		Data:    result,
	})
}

func (h *SliceHandler) lookupJob(c *gin.Context) *service.Job {
	job := h.jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "job not found",
		})
	}
	return job
}

// checkUpload enforces the upload size and content type limits. Writes the
// error response itself and reports whether the file passed.
func (h *SliceHandler) checkUpload(c *gin.Context, file *multipart.FileHeader) bool {
	if file.Size > h.cfg.Upload.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("file exceeds the %d MB limit", h.cfg.Upload.MaxSize/(1024*1024)),
		})
		return false
	}

	contentType := file.Header.Get("Content-Type")
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "unsupported file type, only JPEG/PNG are accepted",
		})
		return false
	}
	return true
}

// parseParams fills layers/overlap/border from the request. Works for both
// form posts and query strings.
func (h *SliceHandler) parseParams(c *gin.Context, req *service.SliceRequest) bool {
	get := func(name string) string {
		if v := c.PostForm(name); v != "" {
			return v
		}
		return c.Query(name)
	}

	fail := func(name, value string) bool {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("invalid %s parameter: %q", name, value),
		})
		return false
	}

	if v := get("layers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fail("layers", v)
		}
		req.Layers = n
	}
	if v := get("overlap"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fail("overlap", v)
		}
		req.Overlap = f
	}
	if v := get("border"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fail("border", v)
		}
		req.Border = n
	}
	return true
}

func (h *SliceHandler) saveUpload(c *gin.Context, file *multipart.FileHeader) (string, func(), error) {
	ext := filepath.Ext(file.Filename)
	filename := fmt.Sprintf("%d%s", utils.GenerateID(), ext)
	savePath := filepath.Join(h.cfg.Upload.UploadDir, filename)

	if err := c.SaveUploadedFile(file, savePath); err != nil {
		return "", nil, err
	}

	cleanup := func() {}
	if h.cfg.Slicer.CleanupTempFiles {
		cleanup = func() {
			if err := os.Remove(savePath); err != nil {
				utils.Logger.Warn("failed to delete temp file",
					zap.String("file", savePath),
					zap.Error(err))
			}
		}
	}
	return savePath, cleanup, nil
}

func (h *SliceHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.New("not a decodable raster image")
	}
	return img, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/handler"
	"github.com/TIANLI0/DepthKit/middleware"
	"github.com/TIANLI0/DepthKit/service"
	"github.com/TIANLI0/DepthKit/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	cfg := config.New()

	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting DepthKit server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch))

	if err := os.MkdirAll(cfg.Upload.UploadDir, 0755); err != nil {
		utils.Logger.Fatal("failed to create upload directory", zap.Error(err))
	}

	redisService := service.NewRedisService(&cfg.Redis)
	ctx := context.Background()
	if err := redisService.Ping(ctx); err != nil {
		utils.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		redisService = nil
	} else {
		utils.Logger.Info("redis connected successfully")
		defer redisService.Close()
	}

	var depthSource service.DepthSource
	switch cfg.DepthSource.Provider {
	case "remote":
		if cfg.DepthSource.APIToken == "" {
			utils.Logger.Fatal("depth_source.api_token is required for the remote provider")
		}
		depthSource = service.NewRemoteDepthSource(&cfg.DepthSource)
		utils.Logger.Info("using remote depth source", zap.String("base_url", cfg.DepthSource.BaseURL))
	default:
		depthSource = service.NewLocalDepthEstimator()
		utils.Logger.Info("using local fallback depth estimator")
	}

	slicerService := service.NewSlicerService(cfg, redisService, depthSource)
	jobRegistry := service.NewJobRegistry(cfg.Slicer.JobRetention)
	go jobRegistry.RunSweeper(ctx, time.Minute)

	sliceHandler := handler.NewSliceHandler(cfg, redisService, slicerService, jobRegistry)

	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	// Layer-stack viewer frontend.
	r.Static("/static", "./static")
	r.StaticFile("/", "./static/index.html")

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"build_id":   BuildID,
			"git_commit": GitCommit,
			"git_branch": GitBranch,
		})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/slice", sliceHandler.Slice)
		api.GET("/jobs/:id", sliceHandler.JobStatus)
		api.GET("/jobs/:id/events", sliceHandler.JobEvents)
		api.DELETE("/jobs/:id", sliceHandler.CancelJob)
		api.GET("/jobs/:id/layers/:ordinal", sliceHandler.LayerPNG)
		api.GET("/jobs/:id/archive", sliceHandler.Archive)
		api.GET("/result/:md5", sliceHandler.GetByMD5)
	}

	utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := r.Run(cfg.Server.Port); err != nil {
		utils.Logger.Fatal("failed to start server", zap.Error(err))
	}
}

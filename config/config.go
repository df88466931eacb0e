package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Slicer      SlicerConfig      `mapstructure:"slicer"`
	DepthSource DepthSourceConfig `mapstructure:"depth_source"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	UploadDir    string   `mapstructure:"upload_dir"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// SlicerConfig controls the depth slicing pipeline: how many layers may be
// requested, how range boundaries overlap, and how layer artifacts are
// rendered.
type SlicerConfig struct {
	MaxLayers        int           `mapstructure:"max_layers"`
	DefaultLayers    int           `mapstructure:"default_layers"`
	DefaultOverlap   float64       `mapstructure:"default_overlap"`
	MaxOverlap       float64       `mapstructure:"max_overlap"`
	MaxBorder        int           `mapstructure:"max_border"`
	BorderMode       string        `mapstructure:"border_mode"`  // extend or outline
	BorderColor      string        `mapstructure:"border_color"` // hex RGB, outline mode only
	ThumbnailSize    int           `mapstructure:"thumbnail_size"`
	Workers          int           `mapstructure:"workers"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	QueueTimeout     int           `mapstructure:"queue_timeout"`
	CleanupTempFiles bool          `mapstructure:"cleanup_temp_files"`
	JobRetention     time.Duration `mapstructure:"job_retention"`
}

// DepthSourceConfig selects and configures the collaborator that supplies a
// depth map when the client does not upload one. Polarity describes the
// convention of the produced map: near_low means near objects carry low
// intensities, near_high the opposite.
type DepthSourceConfig struct {
	Provider     string        `mapstructure:"provider"` // remote or local
	BaseURL      string        `mapstructure:"base_url"`
	APIToken     string        `mapstructure:"api_token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Polarity     string        `mapstructure:"polarity"` // near_low or near_high
	Channel      string        `mapstructure:"channel"`  // red, green or blue
}

// Load reads configuration from a YAML file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New loads config from the default path, falling back to built-in defaults
// when no config file is present.
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.upload_dir", "./uploads")
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg"})

	v.SetDefault("slicer.max_layers", 32)
	v.SetDefault("slicer.default_layers", 4)
	v.SetDefault("slicer.default_overlap", 0.0)
	v.SetDefault("slicer.max_overlap", 50.0)
	v.SetDefault("slicer.max_border", 32)
	v.SetDefault("slicer.border_mode", "extend")
	v.SetDefault("slicer.border_color", "#ffffff")
	v.SetDefault("slicer.thumbnail_size", 256)
	v.SetDefault("slicer.workers", 4)
	v.SetDefault("slicer.max_concurrent", 3)
	v.SetDefault("slicer.queue_timeout", 30)
	v.SetDefault("slicer.cleanup_temp_files", true)
	v.SetDefault("slicer.job_retention", 15*time.Minute)

	v.SetDefault("depth_source.provider", "local")
	v.SetDefault("depth_source.base_url", "")
	v.SetDefault("depth_source.api_token", "")
	v.SetDefault("depth_source.poll_interval", 2*time.Second)
	v.SetDefault("depth_source.poll_timeout", 2*time.Minute)
	v.SetDefault("depth_source.polarity", "near_low")
	v.SetDefault("depth_source.channel", "red")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      24 * time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			UploadDir:    "./uploads",
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg"},
		},
		Slicer: SlicerConfig{
			MaxLayers:        32,
			DefaultLayers:    4,
			DefaultOverlap:   0,
			MaxOverlap:       50,
			MaxBorder:        32,
			BorderMode:       "extend",
			BorderColor:      "#ffffff",
			ThumbnailSize:    256,
			Workers:          4,
			MaxConcurrent:    3,
			QueueTimeout:     30,
			CleanupTempFiles: true,
			JobRetention:     15 * time.Minute,
		},
		DepthSource: DepthSourceConfig{
			Provider:     "local",
			PollInterval: 2 * time.Second,
			PollTimeout:  2 * time.Minute,
			Polarity:     "near_low",
			Channel:      "red",
		},
	}
}

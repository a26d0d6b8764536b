package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/imagepipe/internal/logging"
	"github.com/menta2k/imagepipe/pkg/cropper"
	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/scoring"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/upscale"
)

// Config holds the application configuration
type Config struct {
	Logging  logging.Config  `json:"logging" yaml:"logging"`
	Scoring  scoring.Weights `json:"scoring" yaml:"scoring"`
	Cropper  cropper.Config  `json:"cropper" yaml:"cropper"`
	Vision   VisionConfig    `json:"vision" yaml:"vision"`
	Tiling   TilingConfig    `json:"tiling" yaml:"tiling"`
	Worker   WorkerConfig    `json:"worker" yaml:"worker"`
	Resource resource.Config `json:"resource" yaml:"resource"`
	Models   ModelsConfig    `json:"models" yaml:"models"`
	Upscale  upscale.Config  `json:"upscale" yaml:"upscale"`
	Store    StoreConfig     `json:"store" yaml:"store"`
	Metrics  MetricsConfig   `json:"metrics" yaml:"metrics"`
	Output   OutputConfig    `json:"output" yaml:"output"`
}

// VisionConfig selects and configures the subject detector
type VisionConfig struct {
	// Detector is none, worker or ollama
	Detector string `json:"detector" yaml:"detector"`
	URL      string `json:"url" yaml:"url"`
	Model    string `json:"model" yaml:"model"`
	// MaxDimension is the long edge images are reduced to before detection
	MaxDimension int `json:"max_dimension" yaml:"max_dimension"`
}

// TilingConfig controls the enhancement tile layout
type TilingConfig struct {
	TileSize int           `json:"tile_size" yaml:"tile_size"`
	Overlap  int           `json:"overlap" yaml:"overlap"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// WorkerConfig locates the inference worker binary
type WorkerConfig struct {
	// Path to the worker binary; empty disables model inference
	Path        string        `json:"path" yaml:"path"`
	Args        []string      `json:"args" yaml:"args"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MailboxSize int           `json:"mailbox_size" yaml:"mailbox_size"`
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// ModelsConfig is the model source configuration plus per-task overrides
type ModelsConfig struct {
	models.Config `yaml:",inline"`
	// TaskModels overrides the model id used for a task
	TaskModels map[string]string `json:"task_models,omitempty" yaml:"task_models,omitempty"`
}

// Overrides returns TaskModels keyed by task
func (m ModelsConfig) Overrides() (map[types.Task]string, error) {
	out := make(map[types.Task]string, len(m.TaskModels))
	for name, id := range m.TaskModels {
		t, err := types.ParseTask(name)
		if err != nil {
			return nil, err
		}
		out[t] = id
	}
	return out, nil
}

// StoreConfig locates the state database
type StoreConfig struct {
	// Path of the SQLite database; empty keeps the blacklist in memory
	Path string `json:"path" yaml:"path"`
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format" yaml:"default_format"`
	Quality       int    `json:"quality" yaml:"quality"`
	OutputDir     string `json:"output_dir" yaml:"output_dir"`
	Prefix        string `json:"prefix" yaml:"prefix"`
	Suffix        string `json:"suffix" yaml:"suffix"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Scoring: scoring.DefaultWeights(),
		Cropper: cropper.DefaultConfig(),
		Vision: VisionConfig{
			Detector:     "none",
			URL:          "http://localhost:11434",
			Model:        "minicpm-v:8b",
			MaxDimension: 1024,
		},
		Tiling: TilingConfig{
			TileSize: 512,
			Overlap:  0,
			Timeout:  2 * time.Minute,
		},
		Worker: WorkerConfig{
			Timeout:     3 * time.Minute,
			MailboxSize: 16,
			StopTimeout: 5 * time.Second,
		},
		Resource: resource.DefaultConfig(),
		Models:   ModelsConfig{Config: models.DefaultConfig()},
		Upscale:  upscale.DefaultConfig(),
		Output: OutputConfig{
			DefaultFormat: "jpg",
			Quality:       90,
			OutputDir:     "./output",
			Suffix:        "_processed",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration as JSON, or YAML for .yaml/.yml names
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidationError lists every invalid field
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var p []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			p = append(p, fmt.Sprintf(format, args...))
		}
	}
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		p = append(p, "logging.level: "+err.Error())
	}

	check(inUnit(c.Scoring.MinConfidence), "scoring.min_confidence must be between 0 and 1")
	check(c.Scoring.MinSizeRatio < c.Scoring.MaxSizeRatio, "scoring.min_size_ratio must be below scoring.max_size_ratio")

	check(inUnit(c.Cropper.FaceBias), "cropper.face_bias must be between 0 and 1")
	check(inUnit(c.Cropper.PersonBias), "cropper.person_bias must be between 0 and 1")
	check(inUnit(c.Cropper.LogoPadding), "cropper.logo_padding must be between 0 and 1")
	check(inUnit(c.Cropper.EdgeMargin), "cropper.edge_margin must be between 0 and 1")
	check(c.Cropper.Focal.AnalysisSize > 0, "cropper.focal.analysis_size must be positive")
	check(inUnit(c.Cropper.Focal.GradientThreshold), "cropper.focal.gradient_threshold must be between 0 and 1")

	switch c.Vision.Detector {
	case "none", "worker", "ollama":
	default:
		p = append(p, fmt.Sprintf("vision.detector must be none, worker or ollama, got %q", c.Vision.Detector))
	}
	check(c.Vision.Detector != "ollama" || c.Vision.URL != "", "vision.url is required for the ollama detector")
	check(c.Vision.Detector != "worker" || c.Worker.Path != "", "worker.path is required for the worker detector")

	check(c.Tiling.TileSize > 0, "tiling.tile_size must be positive")
	check(c.Tiling.Overlap >= 0 && c.Tiling.TileSize-2*c.Tiling.Overlap > 0, "tiling.overlap must leave a positive stride")

	check(c.Resource.FailureThreshold >= 1, "resource.failure_threshold must be at least 1")
	check(inUnit(c.Resource.PressureThreshold), "resource.pressure_threshold must be between 0 and 1")

	check(len(c.Models.Backends) > 0, "models.backends cannot be empty")
	check(c.Models.Retries >= 0, "models.retries cannot be negative")
	for task := range c.Models.TaskModels {
		if _, err := types.ParseTask(task); err != nil {
			p = append(p, "models.task_models: "+err.Error())
		}
	}

	check(len(c.Upscale.SupportedFactors) > 0, "upscale.supported_factors cannot be empty")
	for _, f := range c.Upscale.SupportedFactors {
		check(f >= 2, "upscale.supported_factors must be at least 2, got %d", f)
	}

	check(c.Output.Quality >= 1 && c.Output.Quality <= 100, "output.quality must be between 1 and 100")

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// ApplyEnv loads an optional .env file and applies IMAGEPIPE_* overrides
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	setString(&c.Logging.Level, "IMAGEPIPE_LOG_LEVEL")
	setString(&c.Logging.File, "IMAGEPIPE_LOG_FILE")
	setBool(&c.Logging.Development, "IMAGEPIPE_LOG_DEVELOPMENT")
	setString(&c.Vision.Detector, "IMAGEPIPE_DETECTOR")
	setString(&c.Vision.URL, "IMAGEPIPE_VISION_URL")
	setString(&c.Vision.Model, "IMAGEPIPE_VISION_MODEL")
	setInt(&c.Tiling.TileSize, "IMAGEPIPE_TILE_SIZE")
	setInt(&c.Tiling.Overlap, "IMAGEPIPE_TILE_OVERLAP")
	setString(&c.Worker.Path, "IMAGEPIPE_WORKER")
	setDuration(&c.Worker.Timeout, "IMAGEPIPE_WORKER_TIMEOUT")
	setString(&c.Models.Dir, "IMAGEPIPE_MODEL_DIR")
	setString(&c.Models.CacheDir, "IMAGEPIPE_MODEL_CACHE")
	setString(&c.Models.BaseURL, "IMAGEPIPE_MODEL_URL")
	if v := os.Getenv("IMAGEPIPE_BACKENDS"); v != "" {
		c.Models.Backends = splitList(v)
	}
	setInt(&c.Resource.FailureThreshold, "IMAGEPIPE_FAILURE_THRESHOLD")
	setString(&c.Store.Path, "IMAGEPIPE_STATE_DB")
	setString(&c.Metrics.Addr, "IMAGEPIPE_METRICS_ADDR")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "imagepipe", "config.json")
}

// Package config loads process configuration from an optional .env file, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// PipelineConfig holds the knobs of the cartoonization pipeline. It is read
// once at startup and passed by value.
type PipelineConfig struct {
	ResizeDim       int    `yaml:"resize-dim"`
	OutputFrameRate string `yaml:"output_frame_rate"`
	TrimVideo       bool   `yaml:"trim-video"`
	TrimVideoLength int    `yaml:"trim-video-length"`
	GPU             bool   `yaml:"gpu"`
}

// FrameRate returns the integer frame rate the transcoder and engine expect.
// "24/1" becomes "24".
func (p PipelineConfig) FrameRate() string {
	num, _, _ := strings.Cut(p.OutputFrameRate, "/")
	return strings.TrimSpace(num)
}

// TrimSeconds returns the clip length to keep, or zero when trimming is off.
func (p PipelineConfig) TrimSeconds() int {
	if !p.TrimVideo {
		return 0
	}
	return p.TrimVideoLength
}

// Config is the full process configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:",inline"`

	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`

	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	EngineBinary   string `yaml:"engine_binary"`
	EngineModelDir string `yaml:"engine_model_dir"`
	EngineSlots    int    `yaml:"engine_slots"`

	StageTimeout  time.Duration `yaml:"stage_timeout"`
	EngineTimeout time.Duration `yaml:"engine_timeout"`
	MaxJobs       int           `yaml:"max_jobs"`

	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	JobStore      string `yaml:"job_store"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	DatabaseURL   string `yaml:"database_url"`

	S3Bucket       string        `yaml:"s3_bucket"`
	S3Region       string        `yaml:"s3_region"`
	S3Endpoint     string        `yaml:"s3_endpoint"`
	S3UsePathStyle bool          `yaml:"s3_use_path_style"`
	SignedURLTTL   time.Duration `yaml:"signed_url_ttl"`

	NATSURL       string `yaml:"nats_url"`
	VideoSubject  string `yaml:"video_subject"`
	WorkerQueue   string `yaml:"worker_queue"`
	ResultSubject string `yaml:"result_subject"`
}

// Job store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Default returns the configuration used when nothing is overridden. The
// pipeline values match the model's published settings.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			ResizeDim:       720,
			OutputFrameRate: "24/1",
			TrimVideo:       true,
			TrimVideoLength: 15,
		},
		UploadDir:     "./static/uploaded_videos",
		OutputDir:     "./static/cartoonized_images",
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		EngineBinary:  "cartoonize-engine",
		EngineSlots:   1,
		StageTimeout:  5 * time.Minute,
		EngineTimeout: 30 * time.Minute,
		MaxJobs:       2,
		HTTPAddr:      ":8080",
		LogLevel:      "info",
		LogFormat:     "text",
		JobStore:      StoreMemory,
		RedisAddr:     "localhost:6379",
		S3Region:      "us-east-1",
		SignedURLTTL:  5 * time.Minute,
		NATSURL:       "nats://127.0.0.1:4222",
		VideoSubject:  "videos.uploaded",
		WorkerQueue:   "cartoon-workers",
		ResultSubject: "videos.cartoon.done",
	}
}

// Load reads .env (if present), then CONFIG_FILE (default config.yaml, if
// present), then the environment, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path := getenv("CONFIG_FILE", "config.yaml")
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, e := cast.ToIntE(v)
			if e != nil {
				err = fmt.Errorf("invalid %s: %w", key, e)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, e := cast.ToBoolE(v)
			if e != nil {
				err = fmt.Errorf("invalid %s: %w", key, e)
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, e := cast.ToDurationE(v)
			if e != nil {
				err = fmt.Errorf("invalid %s: %w", key, e)
				return
			}
			*dst = d
		}
	}

	setInt("RESIZE_DIM", &c.Pipeline.ResizeDim)
	setString("OUTPUT_FRAME_RATE", &c.Pipeline.OutputFrameRate)
	setBool("TRIM_VIDEO", &c.Pipeline.TrimVideo)
	setInt("TRIM_VIDEO_LENGTH", &c.Pipeline.TrimVideoLength)
	setBool("GPU", &c.Pipeline.GPU)

	setString("UPLOAD_DIR", &c.UploadDir)
	setString("OUTPUT_DIR", &c.OutputDir)
	setString("FFMPEG_PATH", &c.FFmpegPath)
	setString("FFPROBE_PATH", &c.FFprobePath)
	setString("ENGINE_BINARY", &c.EngineBinary)
	setString("ENGINE_MODEL_DIR", &c.EngineModelDir)
	setInt("ENGINE_SLOTS", &c.EngineSlots)
	setDuration("STAGE_TIMEOUT", &c.StageTimeout)
	setDuration("ENGINE_TIMEOUT", &c.EngineTimeout)
	setInt("MAX_JOBS", &c.MaxJobs)

	setString("HTTP_ADDR", &c.HTTPAddr)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)

	setString("JOB_STORE", &c.JobStore)
	setString("REDIS_ADDR", &c.RedisAddr)
	setString("REDIS_PASSWORD", &c.RedisPassword)
	setInt("REDIS_DB", &c.RedisDB)
	setString("DATABASE_URL", &c.DatabaseURL)

	setString("S3_BUCKET", &c.S3Bucket)
	setString("S3_REGION", &c.S3Region)
	setString("S3_ENDPOINT", &c.S3Endpoint)
	setBool("S3_USE_PATH_STYLE", &c.S3UsePathStyle)
	setDuration("SIGNED_URL_TTL", &c.SignedURLTTL)

	setString("NATS_URL", &c.NATSURL)
	setString("VIDEO_SUBJECT", &c.VideoSubject)
	setString("WORKER_QUEUE", &c.WorkerQueue)
	setString("RESULT_SUBJECT", &c.ResultSubject)
	return err
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := parsePositiveInt(strconv.Itoa(c.Pipeline.ResizeDim), "resize-dim"); err != nil {
		return err
	}
	if c.Pipeline.TrimVideo {
		if _, err := parsePositiveInt(strconv.Itoa(c.Pipeline.TrimVideoLength), "trim-video-length"); err != nil {
			return err
		}
	}
	if _, err := parsePositiveInt(c.Pipeline.FrameRate(), "output_frame_rate"); err != nil {
		return err
	}
	// ffmpeg and the engine take an integer rate, so only "N" or "N/1".
	if _, den, ok := strings.Cut(c.Pipeline.OutputFrameRate, "/"); ok && strings.TrimSpace(den) != "1" {
		return fmt.Errorf("output_frame_rate must be N/1 (got %q)", c.Pipeline.OutputFrameRate)
	}
	if c.EngineSlots <= 0 {
		return fmt.Errorf("ENGINE_SLOTS must be greater than zero (got %d)", c.EngineSlots)
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("MAX_JOBS must be greater than zero (got %d)", c.MaxJobs)
	}
	if c.StageTimeout <= 0 || c.EngineTimeout <= 0 {
		return errors.New("STAGE_TIMEOUT and ENGINE_TIMEOUT must be positive")
	}
	switch c.JobStore {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres job store")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q", c.JobStore)
	}
	switch c.LogFormat {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

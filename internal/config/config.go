// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/deepfake-check/internal/predict"
	"github.com/example/deepfake-check/internal/preprocess"
	"github.com/example/deepfake-check/internal/strategy"
	"github.com/example/deepfake-check/internal/stream"
)

// MaxUploadSize caps the request body of an upload.
const MaxUploadSize = 500 << 20

// Config is the full set of runtime settings shared by the serve and
// predict commands.
type Config struct {
	Addr            string
	UploadDir       string
	InferenceAddr   string
	Models          []string
	RedisAddr       string
	RedisChannel    string
	JWTSecret       string
	JWTAudience     string
	CompanionDir    string
	LogLevel        string
	FramesPerVideo  int
	InputSize       int
	QueueCapacity   int
	PollInterval    time.Duration
	Strategy        string
	TopK            int
	NumWorkers      int
	MaxUploadSize   int64
	ShutdownTimeout time.Duration
}

// Default returns the settings used when the environment is empty.
func Default() Config {
	return Config{
		Addr:            ":5000",
		UploadDir:       "uploads",
		InferenceAddr:   "localhost:50051",
		Models:          []string{"default"},
		RedisChannel:    "deepfake:decisions",
		CompanionDir:    "electron-app",
		LogLevel:        "info",
		FramesPerVideo:  predict.DefaultFramesPerVideo,
		InputSize:       preprocess.DefaultInputSize,
		QueueCapacity:   stream.DefaultCapacity,
		PollInterval:    stream.DefaultPollInterval,
		Strategy:        "confident",
		TopK:            strategy.DefaultTopK,
		NumWorkers:      predict.DefaultNumWorkers,
		MaxUploadSize:   MaxUploadSize,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.UploadDir = getEnv("UPLOAD_DIR", cfg.UploadDir)
	cfg.InferenceAddr = getEnv("INFERENCE_ADDR", cfg.InferenceAddr)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = getEnv("REDIS_CHANNEL", cfg.RedisChannel)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTAudience = os.Getenv("JWT_AUDIENCE")
	cfg.CompanionDir = getEnv("COMPANION_DIR", cfg.CompanionDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Strategy = getEnv("STRATEGY", cfg.Strategy)
	if models := os.Getenv("MODELS"); models != "" {
		cfg.Models = splitList(models)
	}

	var errs []error
	cfg.FramesPerVideo = getEnvInt("FRAMES_PER_VIDEO", cfg.FramesPerVideo, &errs)
	cfg.InputSize = getEnvInt("INPUT_SIZE", cfg.InputSize, &errs)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity, &errs)
	cfg.TopK = getEnvInt("TOP_K", cfg.TopK, &errs)
	cfg.NumWorkers = getEnvInt("NUM_WORKERS", cfg.NumWorkers, &errs)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval, &errs)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"FRAMES_PER_VIDEO": c.FramesPerVideo,
		"INPUT_SIZE":       c.InputSize,
		"QUEUE_CAPACITY":   c.QueueCapacity,
		"NUM_WORKERS":      c.NumWorkers,
	}
	for _, key := range []string{"FRAMES_PER_VIDEO", "INPUT_SIZE", "QUEUE_CAPACITY", "NUM_WORKERS"} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("MODELS must name at least one model"))
	}
	if _, err := strategy.ByName(c.Strategy, c.TopK); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

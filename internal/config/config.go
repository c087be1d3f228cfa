package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultCheckpoint = "datalab-to/chandra"
	DefaultHFHome     = "/runpod-volume/huggingface-cache/hub"
	DefaultAPIBase    = "https://api.runpod.ai/v2"
)

// Config is the inference service configuration.
type Config struct {
	Checkpoint string
	CacheDir   string
	Offline    bool

	Backend         string
	InferenceURL    string
	InferenceAPIKey string
	ServedModel     string
	MaxOutputTokens int
	MaxImageBytes   int
	Concurrency     int

	Addr           string
	DataDir        string
	APIKey         string
	Store          string
	RedisURL       string
	RunsyncTimeout time.Duration
	// ExecutionTimeout bounds a single local job run. Zero disables it.
	ExecutionTimeout time.Duration

	LogLevel  string
	LogFormat string

	Serverless Serverless
}

// Serverless holds the hosted job-queue worker webhooks.
type Serverless struct {
	JobURL       string
	OutputURL    string
	PingURL      string
	APIKey       string
	WorkerID     string
	PingInterval time.Duration
}

// Enabled reports whether the process was started by the hosted runtime.
func (s Serverless) Enabled() bool {
	return s.JobURL != "" && s.OutputURL != ""
}

// ApplyOfflineDefaults sets the model cache variables when they are unset so
// nothing is ever fetched over the network at request time.
func ApplyOfflineDefaults() {
	setDefault("HF_HOME", DefaultHFHome)
	setDefault("HF_HUB_OFFLINE", "1")
	setDefault("TRANSFORMERS_OFFLINE", "1")
}

func Load() Config {
	checkpoint := getenv("MODEL_CHECKPOINT", DefaultCheckpoint)
	cacheDir := getenv("HF_HUB_CACHE", getenv("HF_HOME", DefaultHFHome))
	return Config{
		Checkpoint: checkpoint,
		CacheDir:   cacheDir,
		Offline:    getenvBool("HF_HUB_OFFLINE", false) || getenvBool("TRANSFORMERS_OFFLINE", false),

		Backend:         strings.ToLower(getenv("OCR_BACKEND", "vllm")),
		InferenceURL:    getenv("OCR_INFERENCE_URL", "http://127.0.0.1:8000/v1"),
		InferenceAPIKey: getenv("OCR_INFERENCE_API_KEY", "EMPTY"),
		ServedModel:     getenv("OCR_SERVED_MODEL", checkpoint),
		MaxOutputTokens: getenvInt("OCR_MAX_OUTPUT_TOKENS", 12384),
		MaxImageBytes:   getenvInt("OCR_MAX_IMAGE_BYTES", 0),
		Concurrency:     max(getenvInt("OCR_CONCURRENCY", 1), 1),

		Addr:           getenv("OCR_API_ADDR", ":8080"),
		DataDir:        getenv("OCR_DATA_DIR", filepath.Join(".", "local-data")),
		APIKey:         os.Getenv("OCR_API_KEY"),
		Store:          strings.ToLower(getenv("OCR_STORE", "sqlite")),
		RedisURL:       getenv("OCR_REDIS_URL", "redis://127.0.0.1:6379/0"),
		RunsyncTimeout: getenvDuration("OCR_RUNSYNC_TIMEOUT", 90*time.Second),

		ExecutionTimeout: getenvDuration("OCR_EXECUTION_TIMEOUT", 10*time.Minute),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),

		Serverless: Serverless{
			JobURL:       os.Getenv("RUNPOD_WEBHOOK_GET_JOB"),
			OutputURL:    os.Getenv("RUNPOD_WEBHOOK_POST_OUTPUT"),
			PingURL:      os.Getenv("RUNPOD_WEBHOOK_PING"),
			APIKey:       os.Getenv("RUNPOD_AI_API_KEY"),
			WorkerID:     getenv("RUNPOD_POD_ID", hostname()),
			PingInterval: time.Duration(getenvInt("RUNPOD_PING_INTERVAL", 10000)) * time.Millisecond,
		},
	}
}

// Client is the client driver configuration.
type Client struct {
	APIKey     string
	EndpointID string
	APIBase    string
}

// Complete reports whether the mandatory variables are present.
func (c Client) Complete() bool {
	return c.APIKey != "" && c.EndpointID != ""
}

// BaseURL is the endpoint-scoped URL that /run and /status hang off.
func (c Client) BaseURL() string {
	return strings.TrimRight(c.APIBase, "/") + "/" + c.EndpointID
}

func LoadClient() Client {
	return Client{
		APIKey:     strings.TrimSpace(os.Getenv("RUNPOD_API_KEY")),
		EndpointID: strings.TrimSpace(os.Getenv("RUNPOD_ENDPOINT_ID")),
		APIBase:    getenv("RUNPOD_API_BASE", DefaultAPIBase),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func setDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return name
}

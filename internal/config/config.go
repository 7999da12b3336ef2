package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	GracePeriod        time.Duration
	ReaperInterval     time.Duration
	ActivatorInterval  time.Duration
	RetrainInterval    time.Duration
	ModelPath          string
	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string
	RateLimitPerMinute int
	RateLimitBurst     int

	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	modelPath := os.Getenv("MODEL_PATH")
	if modelPath == "" {
		modelPath = "data/wait_model.json"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		GracePeriod:        readDurationSeconds("GRACE_PERIOD_SECONDS", 900),
		ReaperInterval:     readDurationSeconds("REAPER_INTERVAL_SECONDS", 300),
		ActivatorInterval:  readDurationSeconds("ACTIVATOR_INTERVAL_SECONDS", 120),
		RetrainInterval:    readDurationSeconds("RETRAIN_INTERVAL_SECONDS", 86400),
		ModelPath:          modelPath,
		NotifyProvider:     os.Getenv("NOTIFY_PROVIDER"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		TraceSampleRate:    readFloat("TRACE_SAMPLE_RATE", 1.0),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

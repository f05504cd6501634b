package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var Version = "dev"

const (
	DefaultPort                  = "3001"
	DefaultDataDir               = "/var/tmp/ingest"
	DefaultMaxChunkBytes         = 50 * 1024 * 1024
	DefaultMaxChunks             = 2000
	DefaultInMemoryAssemblyBytes = 50 * 1000 * 1000
	DefaultTargetSizeBytes       = 25 * 1000 * 1000
	DefaultStallThreshold        = 1 * time.Minute
	DefaultStallScanInterval     = 30 * time.Second
	DefaultJobRetention          = 60 * time.Second
	DefaultUploadSessionTTL      = 30 * time.Minute
	DiskSpaceMinGB               = 5
	DefaultRateLimitMax          = 600
	DefaultRateLimitWindow       = time.Minute
)

type Config struct {
	Port     string
	LogLevel string

	DataDir       string
	MediaDir      string
	PublicBaseURL string
	DatabasePath  string

	MaxChunkBytes         int64
	MaxChunks             int
	InMemoryAssemblyBytes int64
	UploadSessionTTL      time.Duration

	TargetSizeBytes           int64
	FFmpegPath                string
	MaxConcurrentCompressions int64

	OpenAIAPIKey                string
	OpenAIBaseURL               string
	TranscriptionModel          string
	AutoTranscribe              bool
	MaxConcurrentTranscriptions int64
	StallThreshold              time.Duration
	StallScanInterval           time.Duration
	StallPlaceholder            string
	JobRetention                time.Duration

	ProxyHost       string
	ProxyPort       string
	ProxyUserPrefix string
	ProxyPassword   string
	ProxyCount      int

	DiscordWebhookURL string
	DiscordPingUserID string

	RateLimitMax    int
	RateLimitWindow time.Duration
	CORSOriginsFile string
}

// Load reads the process environment. Call godotenv.Load before it to pick up a .env file.
func Load() *Config {
	c := &Config{}
	c.Port = envOrDefault("PORT", DefaultPort)
	c.LogLevel = envOrDefault("LOG_LEVEL", "info")

	c.DataDir = envOrDefault("DATA_DIR", DefaultDataDir)
	c.MediaDir = envOrDefault("MEDIA_DIR", filepath.Join(c.DataDir, "media"))
	c.PublicBaseURL = envOrDefault("PUBLIC_BASE_URL", "http://localhost:"+c.Port)
	c.DatabasePath = envOrDefault("DATABASE_PATH", filepath.Join(c.DataDir, "ingest.db"))

	c.MaxChunkBytes = envInt64("MAX_CHUNK_BYTES", DefaultMaxChunkBytes)
	c.MaxChunks = int(envInt64("MAX_CHUNKS", DefaultMaxChunks))
	c.InMemoryAssemblyBytes = envInt64("IN_MEMORY_ASSEMBLY_BYTES", DefaultInMemoryAssemblyBytes)
	c.UploadSessionTTL = envDuration("UPLOAD_SESSION_TTL", DefaultUploadSessionTTL)

	c.TargetSizeBytes = envInt64("TARGET_SIZE_BYTES", DefaultTargetSizeBytes)
	c.FFmpegPath = envOrDefault("FFMPEG_PATH", "ffmpeg")
	c.MaxConcurrentCompressions = envInt64("MAX_CONCURRENT_COMPRESSIONS", 1)

	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", "https://api.openai.com")
	c.TranscriptionModel = envOrDefault("TRANSCRIPTION_MODEL", "whisper-1")
	c.AutoTranscribe = envBool("AUTO_TRANSCRIBE", true)
	c.MaxConcurrentTranscriptions = envInt64("MAX_CONCURRENT_TRANSCRIPTIONS", 1)
	c.StallThreshold = envDuration("STALL_THRESHOLD", DefaultStallThreshold)
	c.StallScanInterval = envDuration("STALL_SCAN_INTERVAL", DefaultStallScanInterval)
	c.StallPlaceholder = envOrDefault("STALL_PLACEHOLDER", DefaultStallPlaceholder)
	c.JobRetention = envDuration("JOB_RETENTION", DefaultJobRetention)

	c.ProxyHost = os.Getenv("PROXY_HOST")
	c.ProxyPort = envOrDefault("PROXY_PORT", "80")
	c.ProxyUserPrefix = os.Getenv("PROXY_USER_PREFIX")
	c.ProxyPassword = os.Getenv("PROXY_PASSWORD")
	c.ProxyCount = int(envInt64("PROXY_COUNT", 0))

	c.DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	c.DiscordPingUserID = os.Getenv("DISCORD_PING_USER_ID")

	c.RateLimitMax = int(envInt64("RATE_LIMIT_MAX", DefaultRateLimitMax))
	c.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow)
	c.CORSOriginsFile = envOrDefault("CORS_ORIGINS_FILE", "cors-origins.txt")
	return c
}

// DefaultStallPlaceholder is written as the transcript of records the stall detector resolves.
const DefaultStallPlaceholder = "Transcript not available yet. This recording took too long to transcribe."

func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("PORT must not be empty")
	case c.DataDir == "":
		return fmt.Errorf("DATA_DIR must not be empty")
	case c.MaxChunkBytes <= 0:
		return fmt.Errorf("MAX_CHUNK_BYTES must be positive, got %d", c.MaxChunkBytes)
	case c.MaxChunks <= 0:
		return fmt.Errorf("MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	case c.InMemoryAssemblyBytes < 0:
		return fmt.Errorf("IN_MEMORY_ASSEMBLY_BYTES must not be negative, got %d", c.InMemoryAssemblyBytes)
	case c.TargetSizeBytes <= 0:
		return fmt.Errorf("TARGET_SIZE_BYTES must be positive, got %d", c.TargetSizeBytes)
	case c.MaxConcurrentCompressions <= 0:
		return fmt.Errorf("MAX_CONCURRENT_COMPRESSIONS must be positive, got %d", c.MaxConcurrentCompressions)
	case c.MaxConcurrentTranscriptions <= 0:
		return fmt.Errorf("MAX_CONCURRENT_TRANSCRIPTIONS must be positive, got %d", c.MaxConcurrentTranscriptions)
	case c.StallThreshold <= 0:
		return fmt.Errorf("STALL_THRESHOLD must be positive, got %s", c.StallThreshold)
	case c.StallScanInterval <= 0:
		return fmt.Errorf("STALL_SCAN_INTERVAL must be positive, got %s", c.StallScanInterval)
	case c.JobRetention < 0:
		return fmt.Errorf("JOB_RETENTION must not be negative, got %s", c.JobRetention)
	case c.UploadSessionTTL <= 0:
		return fmt.Errorf("UPLOAD_SESSION_TTL must be positive, got %s", c.UploadSessionTTL)
	case c.RateLimitMax <= 0 || c.RateLimitWindow <= 0:
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

// Dirs returns the working directories the server creates on startup.
func (c *Config) Dirs() map[string]string {
	return map[string]string{
		"upload":    filepath.Join(c.DataDir, "uploads"),
		"assembled": filepath.Join(c.DataDir, "assembled"),
		"compress":  filepath.Join(c.DataDir, "compress"),
		"media":     c.MediaDir,
	}
}

func (c *Config) HasProxy() bool {
	return c.ProxyHost != "" && c.ProxyUserPrefix != "" && c.ProxyPassword != "" && c.ProxyCount > 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration accepts Go duration strings ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

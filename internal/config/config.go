package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default tuning values shared across the service.
const (
	DefaultMaxConcurrentDownloads = 3
	DefaultRefreshInterval        = 60 * time.Minute
	DefaultCleanupInterval        = 60 * time.Minute
	DefaultEpisodeCount           = 50
	DefaultFeedCacheTTL           = 5 * time.Minute

	// Hard timeouts for external tools.
	FetchTimeout     = 30 * time.Minute
	TranscodeTimeout = 60 * time.Minute
	ProbeTimeout     = 5 * time.Minute
)

// Config holds all recognised service options, loaded from the environment.
type Config struct {
	// Storage layout
	DownloadDir string
	TempDir     string
	DBPath      string

	// Feed URL construction
	BaseURL  string
	FeedPath string

	// Concurrency and scheduling
	MaxConcurrentDownloads int
	RefreshInterval        time.Duration
	CleanupInterval        time.Duration
	FeedCacheTTL           time.Duration

	// Audio transcode settings (stereo always)
	AudioFormat     string
	AudioBitrate    string
	AudioSampleRate int

	// Video transcode settings (preset fixed at "medium")
	VideoFormat  string
	VideoCodec   string
	VideoQuality int

	// External tool binaries
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string

	// HTTP server
	ListenAddr string

	// Logging
	LogLevel         string
	LogConsole       bool
	LogFile          string
	LogRetainedFiles int
}

var validCodecs = map[string]bool{"h264": true, "h265": true, "vp9": true, "av1": true}

// Load reads configuration from TUBECAST_* environment variables and applies
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		DownloadDir:            getEnvWithDefault("TUBECAST_DOWNLOAD_DIR", "data/downloads"),
		TempDir:                getEnvWithDefault("TUBECAST_TEMP_DIR", "data/tmp"),
		DBPath:                 getEnvWithDefault("TUBECAST_DB_PATH", "data/tubecast.db"),
		BaseURL:                getEnvWithDefault("TUBECAST_BASE_URL", "http://localhost"),
		FeedPath:               getEnvWithDefault("TUBECAST_FEED_PATH", "/feeds"),
		MaxConcurrentDownloads: getEnvInt("TUBECAST_MAX_CONCURRENT_DOWNLOADS", DefaultMaxConcurrentDownloads),
		RefreshInterval:        getEnvDuration("TUBECAST_REFRESH_INTERVAL", DefaultRefreshInterval),
		CleanupInterval:        getEnvDuration("TUBECAST_CLEANUP_INTERVAL", DefaultCleanupInterval),
		FeedCacheTTL:           getEnvDuration("TUBECAST_FEED_CACHE_TTL", DefaultFeedCacheTTL),
		AudioFormat:            getEnvWithDefault("TUBECAST_AUDIO_FORMAT", "mp3"),
		AudioBitrate:           getEnvWithDefault("TUBECAST_AUDIO_BITRATE", "128k"),
		AudioSampleRate:        getEnvInt("TUBECAST_AUDIO_SAMPLE_RATE", 44100),
		VideoFormat:            getEnvWithDefault("TUBECAST_VIDEO_FORMAT", "mp4"),
		VideoCodec:             getEnvWithDefault("TUBECAST_VIDEO_CODEC", "h264"),
		VideoQuality:           getEnvInt("TUBECAST_VIDEO_QUALITY", 23),
		YtDlpPath:              getEnvWithDefault("TUBECAST_YTDLP_PATH", "yt-dlp"),
		FFmpegPath:             getEnvWithDefault("TUBECAST_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:            getEnvWithDefault("TUBECAST_FFPROBE_PATH", "ffprobe"),
		ListenAddr:             getEnvWithDefault("TUBECAST_LISTEN_ADDR", ":8080"),
		LogLevel:               getEnvWithDefault("TUBECAST_LOG_LEVEL", "info"),
		LogConsole:             getEnvWithDefault("TUBECAST_LOG_CONSOLE", "true") == "true",
		LogFile:                os.Getenv("TUBECAST_LOG_FILE"),
		LogRetainedFiles:       getEnvInt("TUBECAST_LOG_RETAINED_FILES", 7),
	}

	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	if !validCodecs[cfg.VideoCodec] {
		return nil, fmt.Errorf("invalid video codec %q (want h264, h265, vp9 or av1)", cfg.VideoCodec)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	return cfg, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"strconv"
	"time"
)

type ConfigStruct struct {
	Options    Options
	Playback   PlaybackConfig
	Prefetch   PrefetchConfig
	Gemini     GeminiConfig
	SmartQueue SmartQueueConfig
	Sentry     SentryConfig
}

type Options struct {
	Port     string
	DBPath   string
	LogLevel string
}

type PlaybackConfig struct {
	CrossfadeDuration time.Duration
	PreloadThreshold  time.Duration
	SwitchDebounce    time.Duration
	MetricsInterval   time.Duration
	StallWindow       time.Duration
}

type PrefetchConfig struct {
	Window        int
	Concurrency   int
	CacheMaxBytes int64
}

type GeminiConfig struct {
	Enabled bool
	APIKey  string
	Model   string
}

type SmartQueueConfig struct {
	Enabled     bool
	MinUpcoming int
}

type SentryConfig struct {
	DSN     string
	Release string
}

func (s *SentryConfig) IsEnabled() bool {
	return s.DSN != ""
}

func (g *GeminiConfig) IsEnabled() bool {
	return g.Enabled && g.APIKey != ""
}

var Config *ConfigStruct

func NewConfig() {
	config := &ConfigStruct{
		Options: Options{
			Port:     getString("PORT", "8080"),
			DBPath:   getString("DB_PATH", "./data/playdeck.db"),
			LogLevel: getString("LOG_LEVEL", "info"),
		},
		Playback: PlaybackConfig{
			CrossfadeDuration: time.Duration(getCrossfadeMillis()) * time.Millisecond,
			PreloadThreshold:  time.Duration(getPreloadThresholdSeconds()) * time.Second,
			SwitchDebounce:    time.Duration(getSwitchDebounceMillis()) * time.Millisecond,
			MetricsInterval:   time.Duration(getMetricsIntervalSeconds()) * time.Second,
			StallWindow:       time.Duration(getStallWindowSeconds()) * time.Second,
		},
		Prefetch: PrefetchConfig{
			Window:        getPrefetchWindow(),
			Concurrency:   getPrefetchConcurrency(),
			CacheMaxBytes: int64(getCacheMaxMB()) * 1024 * 1024,
		},
		Gemini: GeminiConfig{
			Enabled: os.Getenv("GEMINI_ENABLED") == "true",
			APIKey:  os.Getenv("GEMINI_API_KEY"),
			Model:   getString("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		SmartQueue: SmartQueueConfig{
			Enabled:     os.Getenv("SMART_QUEUE_ENABLED") == "true",
			MinUpcoming: getSmartQueueMinUpcoming(),
		},
		Sentry: SentryConfig{
			DSN:     os.Getenv("SENTRY_DSN"),
			Release: os.Getenv("RELEASE"),
		},
	}

	Config = config
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getClampedInt reads key as a positive-or-zero integer, falling back on parse
// errors and clamping into [min, max].
func getClampedInt(key string, fallback, min, max int) int {
	str := os.Getenv(key)
	if str == "" {
		return fallback
	}
	n, err := strconv.Atoi(str)
	if err != nil || n < 0 {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getCrossfadeMillis() int {
	return getClampedInt("CROSSFADE_MS", 2000, 300, 2000)
}

func getPreloadThresholdSeconds() int {
	return getClampedInt("PRELOAD_THRESHOLD_SECONDS", 10, 1, 60)
}

func getSwitchDebounceMillis() int {
	return getClampedInt("SWITCH_DEBOUNCE_MS", 150, 0, 1000)
}

func getMetricsIntervalSeconds() int {
	return getClampedInt("METRICS_INTERVAL_SECONDS", 10, 1, 300)
}

func getPrefetchWindow() int {
	return getClampedInt("PREFETCH_WINDOW", 3, 1, 10)
}

func getStallWindowSeconds() int {
	return getClampedInt("STALL_WINDOW_SECONDS", 60, 10, 600)
}

func getPrefetchConcurrency() int {
	return getClampedInt("PREFETCH_CONCURRENCY", 2, 1, 8)
}

func getCacheMaxMB() int {
	return getClampedInt("CACHE_MAX_MB", 256, 16, 4096)
}

func getSmartQueueMinUpcoming() int {
	return getClampedInt("SMART_QUEUE_MIN_UPCOMING", 2, 1, 10)
}

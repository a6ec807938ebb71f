package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Merge       MergeConfig
	Transcribe  TranscribeConfig
	Notify      NotifyConfig
	StoragePath string

	// MaxFragmentBytes caps a single fragment upload. The watch chunks
	// recordings at ~30s, so anything past a few hundred KB is a
	// misbehaving client, not audio.
	MaxFragmentBytes int64
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type MergeConfig struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
}

type TranscribeConfig struct {
	APIKey  string
	URL     string
	Model   string
	Timeout time.Duration
}

type NotifyConfig struct {
	URL     string
	Timeout time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Config: no .env file loaded: %v", err)
	}

	return &Config{
		Server: ServerConfig{
			Address:      readEnv("RELAY_ADDRESS", ":8080"),
			ReadTimeout:  readDuration("RELAY_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: readDuration("RELAY_WRITE_TIMEOUT", 30*time.Second),
		},
		Merge: MergeConfig{
			FFmpegPath:  readEnv("RELAY_FFMPEG", "ffmpeg"),
			FFprobePath: readEnv("RELAY_FFPROBE", "ffprobe"),
			Timeout:     readDuration("RELAY_MERGE_TIMEOUT", 2*time.Minute),
		},
		Transcribe: TranscribeConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			URL:     readEnv("RELAY_TRANSCRIBE_URL", "https://api.openai.com/v1/audio/transcriptions"),
			Model:   readEnv("RELAY_TRANSCRIBE_MODEL", "whisper-1"),
			Timeout: readDuration("RELAY_TRANSCRIBE_TIMEOUT", 60*time.Second),
		},
		Notify: NotifyConfig{
			URL:     os.Getenv("RELAY_NOTIFY_URL"),
			Timeout: readDuration("RELAY_NOTIFY_TIMEOUT", 30*time.Second),
		},
		StoragePath:      readEnv("RELAY_STORAGE_PATH", "./data"),
		MaxFragmentBytes: readInt64("RELAY_MAX_FRAGMENT_BYTES", 512*1024),
	}
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func readInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func readDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

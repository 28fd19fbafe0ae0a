// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	Audio         AudioConfig
	STT           STTConfig
	Brain         BrainConfig
	Telephony     TelephonyConfig
	Playback      PlaybackConfig
	Gate          GateConfig
	Routing       RoutingConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal       string
	WSAddr          string
	WSPath          string
	GRPCPort        string
	HTTPAddr        string
	MetadataTimeout time.Duration
	// WSReadLimit caps one websocket frame in bytes; 0 means unlimited.
	WSReadLimit int64
}

// AudioConfig describes the inbound PCM stream and chunking.
type AudioConfig struct {
	SampleRateHz  int
	SampleWidth   int
	ChunkDuration time.Duration
}

// STTConfig selects and configures the transcription providers.
type STTConfig struct {
	// Providers is tried in order; the first success wins.
	Providers     []string
	LanguageCode  string
	Timeout       time.Duration
	AudioEncoding string
	GoogleModel   string
	WhisperURL    string
	WhisperModel  string
	WhisperAPIKey string
}

// BrainConfig configures the dialog-brain endpoint.
type BrainConfig struct {
	URL     string
	Timeout time.Duration
}

// TelephonyConfig configures the FreeSWITCH event socket.
type TelephonyConfig struct {
	ESLAddr         string
	ESLPassword     string
	CommandTimeout  time.Duration
	PlaybackTimeout time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	CheckExists     bool
}

// PlaybackConfig configures where reply audio is written.
type PlaybackConfig struct {
	SoundsDir     string
	MaxFileAge    time.Duration
	SweepInterval time.Duration
}

// GateConfig configures the meaningful-speech filter.
type GateConfig struct {
	MinChars    int
	FillerWords []string
}

// RoutingConfig maps transfer labels to destinations.
type RoutingConfig struct {
	TargetsFile string
	Targets     map[string]string
}

// KafkaConfig configures call-event publishing.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTranscript string
	TopicAction     string
	TopicSession    string
	Principal       string
}

// ObservabilityConfig configures logs.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// DefaultFillerWords is the curated backchannel list the gate ships with.
var DefaultFillerWords = []string{
	"the", "a", "an", "um", "uh", "er", "ah", "hm", "hmm",
	"yeah", "yep", "uh-huh", "mm-hmm", "okay", "ok",
	"thank you", "thanks", "thank", "no problem", "sure", "yes", "alright",
}

// DefaultTargets is the transfer routing table used when no file is given.
func DefaultTargets() map[string]string {
	return map[string]string{
		"sales":       "5000",
		"support":     "5001",
		"development": "5002",
	}
}

// Load reads the configuration from the environment. Unparseable values
// fall back to their defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-conversational-ivr")

	cfg := &Config{
		Service: ServiceConfig{
			Principal:       principal,
			WSAddr:          envOrDefault("WS_ADDR", ":8089"),
			WSPath:          envOrDefault("WS_PATH", "/"),
			WSReadLimit:     int64(envOrDefaultInt("WS_READ_LIMIT", 0)),
			GRPCPort:        envOrDefault("GRPC_PORT", "50051"),
			HTTPAddr:        envOrDefault("HTTP_ADDR", ":9090"),
			MetadataTimeout: envOrDefaultDuration("METADATA_TIMEOUT", 10*time.Second),
		},
		Audio: AudioConfig{
			SampleRateHz:  envOrDefaultInt("AUDIO_SAMPLE_RATE_HZ", 16000),
			SampleWidth:   envOrDefaultInt("AUDIO_SAMPLE_WIDTH", 2),
			ChunkDuration: envOrDefaultDuration("AUDIO_CHUNK_DURATION", 8*time.Second),
		},
		STT: STTConfig{
			Providers:     envOrDefaultList("STT_PROVIDERS", []string{"mock"}),
			LanguageCode:  envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			Timeout:       envOrDefaultDuration("STT_TIMEOUT", 20*time.Second),
			AudioEncoding: envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			GoogleModel:   envOrDefault("STT_GOOGLE_MODEL", "phone_call"),
			WhisperURL:    envOrDefault("STT_WHISPER_URL", "http://localhost:8000/v1"),
			WhisperModel:  envOrDefault("STT_WHISPER_MODEL", "base.en"),
			WhisperAPIKey: envOrDefault("STT_WHISPER_API_KEY", "none"),
		},
		Brain: BrainConfig{
			URL:     envOrDefault("BRAIN_URL", "http://localhost:8000/test/transcription"),
			Timeout: envOrDefaultDuration("BRAIN_TIMEOUT", 30*time.Second),
		},
		Telephony: TelephonyConfig{
			ESLAddr:         envOrDefault("ESL_ADDR", "127.0.0.1:8021"),
			ESLPassword:     envOrDefault("ESL_PASSWORD", "ClueCon"),
			CommandTimeout:  envOrDefaultDuration("ESL_COMMAND_TIMEOUT", 5*time.Second),
			PlaybackTimeout: envOrDefaultDuration("ESL_PLAYBACK_TIMEOUT", 2*time.Minute),
			ReconnectMin:    envOrDefaultDuration("ESL_RECONNECT_MIN", 500*time.Millisecond),
			ReconnectMax:    envOrDefaultDuration("ESL_RECONNECT_MAX", 30*time.Second),
			CheckExists:     envOrDefaultBool("ESL_CHECK_EXISTS", false),
		},
		Playback: PlaybackConfig{
			SoundsDir:     envOrDefault("PLAYBACK_SOUNDS_DIR", "/usr/local/freeswitch/sounds/en/us/callie/conversationalIVR"),
			MaxFileAge:    envOrDefaultDuration("PLAYBACK_MAX_FILE_AGE", 24*time.Hour),
			SweepInterval: envOrDefaultDuration("PLAYBACK_SWEEP_INTERVAL", time.Hour),
		},
		Gate: GateConfig{
			MinChars:    envOrDefaultInt("GATE_MIN_CHARS", 5),
			FillerWords: envOrDefaultList("GATE_FILLER_WORDS", DefaultFillerWords),
		},
		Routing: RoutingConfig{
			TargetsFile: envOrDefault("ROUTING_TARGETS_FILE", ""),
			Targets:     DefaultTargets(),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envOrDefaultList("KAFKA_BROKERS", nil),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "call.transcript"),
			TopicAction:     envOrDefault("KAFKA_TOPIC_ACTION", "call.action"),
			TopicSession:    envOrDefault("KAFKA_TOPIC_SESSION", "call.session"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg
}

// ChunkBytes is the byte length of one transcription chunk.
func (a AudioConfig) ChunkBytes() int {
	return int(time.Duration(a.SampleRateHz)*a.ChunkDuration/time.Second) * a.SampleWidth
}

type targetsFile struct {
	Targets map[string]string `yaml:"targets"`
}

// LoadTargets reads a YAML routing table of the form
//
//	targets:
//	  sales: "5000"
func LoadTargets(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing targets: %w", err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse routing targets %s: %w", path, err)
	}
	if len(f.Targets) == 0 {
		return nil, fmt.Errorf("routing targets %s: no targets defined", path)
	}
	return f.Targets, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated variable, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

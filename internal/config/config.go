package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string
	AuthPassword   string

	// Speech-to-text
	AssemblyAIKey string
	Locale        string // BCP-47 tag applied to recognition and synthesis

	// Text-to-speech
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	SpeechRate        float64

	// Tutor engine (Gemini)
	GeminiAPIKey   string
	GCPProjectID   string
	GCPLocation    string
	ModelName      string
	MaxReplyTokens int32
	UseMockTutor   bool

	// Persistence
	StorageBackend string // "memory" or "firestore"
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// Orchestration
	FrameSamplePeriod time.Duration
	OfflineMaxRetries int
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "TRUE"
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env, using default", "key", key, "value", v)
		return def
	}
	return d
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid int env, using default", "key", key, "value", v)
		return def
	}
	return n
}

func getFloatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env, using default", "key", key, "value", v)
		return def
	}
	return f
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		ICEServersJSON: getEnv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		AuthPassword:   os.Getenv("SIGNALING_PASSWORD"),

		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		Locale:        getEnv("REALTUTOR_LOCALE", "en-US"),

		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		SpeechRate:        getFloatEnv("SPEECH_RATE", 1.0),

		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GCPProjectID:   os.Getenv("REALTUTOR_GCP_PROJECT"),
		GCPLocation:    getEnv("REALTUTOR_GCP_LOCATION", "us-central1"),
		ModelName:      getEnv("REALTUTOR_MODEL_NAME", "gemini-2.5-flash"),
		MaxReplyTokens: int32(getIntEnv("MAX_REPLY_TOKENS", 256)),
		UseMockTutor:   getBoolEnv("REALTUTOR_USE_MOCK_TUTOR", false),

		StorageBackend: getEnv("REALTUTOR_STORAGE_BACKEND", "memory"),
		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket: getEnv("SUPABASE_BUCKET", "session-frames"),

		FrameSamplePeriod: getDurationEnv("FRAME_SAMPLE_PERIOD", 5*time.Second),
		OfflineMaxRetries: getIntEnv("OFFLINE_MAX_RETRIES", 3),
	}

	if cfg.AssemblyAIKey == "" {
		slog.Warn("ASSEMBLYAI_API_KEY not set - speech recognition will not work")
	}
	if cfg.GeminiAPIKey == "" && cfg.GCPProjectID == "" && !cfg.UseMockTutor {
		slog.Warn("neither GEMINI_API_KEY nor REALTUTOR_GCP_PROJECT set - tutor replies will not work")
	}
	if cfg.DeepgramKey == "" && cfg.ElevenLabsKey == "" {
		slog.Warn("no TTS key set - tutor replies will be text-only")
	}
	if cfg.StorageBackend == "firestore" && cfg.GCPProjectID == "" {
		slog.Warn("firestore backend selected without REALTUTOR_GCP_PROJECT - falling back to memory store")
		cfg.StorageBackend = "memory"
	}

	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "locale", cfg.Locale,
		"storage_backend", cfg.StorageBackend, "frame_sample_period", cfg.FrameSamplePeriod.String())
	return cfg
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds process-level configuration sourced from the environment.
// Organization-scoped provider configuration lives in the database and is
// resolved per request by Resolver; these values are only the fallback for
// ownerless requests and the knobs for the process itself.
type Settings struct {
	// APIKey is the single bearer key protecting the HTTP API.
	APIKey string

	// HTTPAddress is the listen address for the gateway.
	HTTPAddress string

	// HomeURL is the externally visible base URL used to build public links.
	HomeURL string

	// WebHost is the host serving static files (generated images, derivatives).
	WebHost string

	// StaticRoot is the directory for uploaded files and generated images.
	StaticRoot string

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// VectorStore selects the vector provider ("chroma" or "chromem").
	VectorStore string

	// ChromaURL is the Chroma server base URL (chroma provider only).
	ChromaURL string

	// VectorPath is the persistence directory for the embedded provider.
	VectorPath string

	// OpenAIBaseURL / OpenAIAPIKey / OpenAIModel are the env fallback
	// provider values used only when a request carries no owner.
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string

	// OllamaBaseURL is the env fallback Ollama endpoint.
	OllamaBaseURL string

	// OllamaRequestTimeout bounds Ollama completion calls.
	OllamaRequestTimeout time.Duration

	// GoogleAPIKey is the env fallback key for the image connector.
	GoogleAPIKey string

	// OWIBaseURL / OWIAPIKey point at the external user directory used
	// for share-group sync. Empty disables the sync.
	OWIBaseURL string
	OWIAPIKey  string

	// OWIDatabasePath is the external chat store read by analytics.
	// Empty means external chats are not available.
	OWIDatabasePath string

	// LLMMaxConnections bounds per-base-URL connection pools.
	LLMMaxConnections int

	// CompletionTimeout bounds completion calls; ProbeTimeout bounds
	// the admin status probe.
	CompletionTimeout time.Duration
	ProbeTimeout      time.Duration

	// DBMaintenanceEnabled turns on the background checkpoint /
	// analyze / vacuum loops. Off by default to avoid duplication
	// under dev reload.
	DBMaintenanceEnabled bool

	// DBCheckpointInterval is the WAL checkpoint cadence.
	DBCheckpointInterval time.Duration
}

// Load reads settings from the environment, loading .env first if present.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		APIKey:               os.Getenv("API_KEY"),
		HTTPAddress:          getEnv("HTTP_ADDRESS", ":9099"),
		HomeURL:              getEnv("HOME_URL", "http://localhost:9099"),
		WebHost:              os.Getenv("LAMB_WEB_HOST"),
		StaticRoot:           getEnv("STATIC_ROOT", "static"),
		DatabasePath:         getEnv("DATABASE_PATH", "lamb.db"),
		VectorStore:          getEnv("VECTOR_STORE", "chromem"),
		ChromaURL:            getEnv("CHROMA_URL", "http://localhost:8000"),
		VectorPath:           getEnv("VECTOR_PATH", "vectors"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaBaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		GoogleAPIKey:         os.Getenv("GOOGLE_API_KEY"),
		OWIBaseURL:           os.Getenv("OWI_BASE_URL"),
		OWIAPIKey:            os.Getenv("OWI_API_KEY"),
		OWIDatabasePath:      os.Getenv("OWI_DATABASE_PATH"),
		LLMMaxConnections:    getEnvInt("LLM_MAX_CONNECTIONS", 100),
		OllamaRequestTimeout: getEnvDuration("OLLAMA_REQUEST_TIMEOUT", 120*time.Second),
		CompletionTimeout:    getEnvDuration("COMPLETION_TIMEOUT", 120*time.Second),
		ProbeTimeout:         getEnvDuration("PROBE_TIMEOUT", 10*time.Second),
		DBMaintenanceEnabled: getEnvBool("DB_MAINTENANCE_ENABLED", false),
		DBCheckpointInterval: getEnvDuration("DB_CHECKPOINT_INTERVAL", 15*time.Minute),
	}

	if s.WebHost == "" {
		s.WebHost = s.HomeURL
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks required settings.
func (s *Settings) Validate() error {
	if s.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if s.LLMMaxConnections <= 0 {
		return fmt.Errorf("LLM_MAX_CONNECTIONS must be positive, got %d", s.LLMMaxConnections)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

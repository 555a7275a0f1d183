package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a MindBase client.
//
// It covers:
//   - The indexed store (SQLite by default, PostgreSQL with pgvector)
//   - The memory file store (a markdown tree on disk)
//   - The embedding provider (OpenAI or a local Ollama server)
//   - Which source collectors to enable
//
// Example:
//
//	config := &core.Config{
//	    Index: core.IndexConfig{
//	        Provider: "sqlite",
//	        DBPath:   "./mindbase.db",
//	    },
//	    Files: core.FileStoreConfig{
//	        Root: "./memories",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	    },
//	}
type Config struct {
	// Index contains indexed-store configuration.
	Index IndexConfig `json:"index"`

	// Files contains memory file store configuration.
	Files FileStoreConfig `json:"files"`

	// Embedder contains embedding provider configuration. An empty
	// provider disables embedding; semantic search then fails closed
	// while scan, read and list keep working.
	Embedder EmbedderConfig `json:"embedder"`

	// Collectors contains source adapter configuration.
	Collectors CollectorsConfig `json:"collectors"`
}

// IndexConfig contains configuration for the indexed store.
//
// Supported providers: sqlite, postgres
type IndexConfig struct {
	// Provider is the backend name (sqlite, postgres).
	Provider string `json:"provider"`

	// DBPath is the database file path (sqlite).
	DBPath string `json:"db_path,omitempty"`

	// DSN is the connection string (postgres).
	DSN string `json:"dsn,omitempty"`

	// Dimensions is the vector column width (postgres). Must match the
	// embedding provider.
	Dimensions int `json:"dimensions,omitempty"`
}

// FileStoreConfig contains configuration for the memory file store.
type FileStoreConfig struct {
	// Root is the directory the memory tree lives under.
	Root string `json:"root"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, ollama
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, ollama). Empty
	// disables embedding.
	Provider string `json:"provider,omitempty"`

	// APIKey is the API key (openai).
	APIKey string `json:"api_key,omitempty"`

	// Model is the embedding model name.
	Model string `json:"model,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the vector width.
	Dimensions int `json:"dimensions,omitempty"`
}

// CollectorsConfig contains configuration for the source adapters.
type CollectorsConfig struct {
	// Sources lists the sources to enable. Empty enables every known
	// source.
	Sources []string `json:"sources,omitempty"`

	// Roots overrides the search roots per source. Sources not listed
	// use their adapter's platform defaults.
	Roots map[string][]string `json:"roots,omitempty"`
}

// DefaultDataDir returns the default MindBase data directory,
// ~/.mindbase.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mindbase"
	}
	return filepath.Join(home, ".mindbase")
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for a .env file (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - MINDBASE_DATA_DIR (default ~/.mindbase)
//   - DATABASE_PROVIDER (sqlite, postgres)
//   - SQLITE_PATH
//   - POSTGRES_DSN, POSTGRES_EMBEDDING_MODEL_DIMS
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//     EMBEDDING_BASE_URL, EMBEDDING_MODEL_DIMS
//   - MINDBASE_SOURCES (comma-separated source names)
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	dataDir := getEnvOrDefault("MINDBASE_DATA_DIR", DefaultDataDir())
	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")

	indexCfg := IndexConfig{Provider: provider}
	switch provider {
	case "postgres":
		indexCfg.DSN = os.Getenv("POSTGRES_DSN")
		dims, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_EMBEDDING_MODEL_DIMS", "1536"))
		indexCfg.Dimensions = dims
	default:
		indexCfg.DBPath = getEnvOrDefault("SQLITE_PATH", filepath.Join(dataDir, "mindbase.db"))
	}

	embedderCfg := EmbedderConfig{
		Provider: os.Getenv("EMBEDDING_PROVIDER"),
		APIKey:   os.Getenv("EMBEDDING_API_KEY"),
		Model:    os.Getenv("EMBEDDING_MODEL"),
		BaseURL:  os.Getenv("EMBEDDING_BASE_URL"),
	}
	if dims := os.Getenv("EMBEDDING_MODEL_DIMS"); dims != "" {
		embedderCfg.Dimensions, _ = strconv.Atoi(dims)
	}
	// OPENAI_API_KEY alone is enough to enable the OpenAI provider.
	if embedderCfg.Provider == "" && os.Getenv("OPENAI_API_KEY") != "" {
		embedderCfg.Provider = "openai"
		embedderCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	config := &Config{
		Index: indexCfg,
		Files: FileStoreConfig{
			Root: getEnvOrDefault("MINDBASE_MEMORY_DIR", filepath.Join(dataDir, "memories")),
		},
		Embedder:   embedderCfg,
		Collectors: CollectorsConfig{},
	}
	if sources := os.Getenv("MINDBASE_SOURCES"); sources != "" {
		config.Collectors.Sources = splitCSV(sources)
	}
	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewStoreError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewStoreError("LoadConfigFromJSON", err)
	}
	return &config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Index.Provider {
	case "sqlite":
		if c.Index.DBPath == "" {
			return NewStoreError("Validate", fmt.Errorf("%w: sqlite requires db_path", ErrInvalidConfig))
		}
	case "postgres":
		if c.Index.DSN == "" {
			return NewStoreError("Validate", fmt.Errorf("%w: postgres requires dsn", ErrInvalidConfig))
		}
	default:
		return NewStoreError("Validate", fmt.Errorf("%w: unknown index provider %q", ErrInvalidConfig, c.Index.Provider))
	}
	if c.Files.Root == "" {
		return NewStoreError("Validate", fmt.Errorf("%w: file store root is required", ErrInvalidConfig))
	}
	switch c.Embedder.Provider {
	case "", "openai", "ollama":
	default:
		return NewStoreError("Validate", fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedder.Provider))
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return NewStoreError("Validate", fmt.Errorf("%w: openai embedder requires api_key", ErrInvalidConfig))
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default
// value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FindEnvFile searches for a .env file.
//
// The search checks the current directory, then up to 5 directory levels
// up, and returns the first .env file found.
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

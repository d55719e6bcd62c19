package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Elasticsearch Elasticsearch `mapstructure:"elasticsearch"`
	VectorStore   VectorStore   `mapstructure:"vector_store"`
	Embeddings    Embeddings    `mapstructure:"embeddings"`
	LLM           LLM           `mapstructure:"llm"`
	Storage       Storage       `mapstructure:"storage"`
	Ledger        Ledger        `mapstructure:"ledger"`
	Guidelines    Guidelines    `mapstructure:"guidelines"`
	CSR           CSR           `mapstructure:"csr"`
	Chunker       Chunker       `mapstructure:"chunker"`
	Retrieval     Retrieval     `mapstructure:"retrieval"`
	Ingestion     Ingestion     `mapstructure:"ingestion"`
	API           API           `mapstructure:"api"`
	MCP           MCP           `mapstructure:"mcp"`
}

// Elasticsearch holds ES connection configuration.
type Elasticsearch struct {
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// VectorStore selects where chunk vectors live.
type VectorStore struct {
	Backend string `mapstructure:"backend"` // elasticsearch or memory
}

// Embeddings holds embedding provider configuration.
type Embeddings struct {
	Provider          string        `mapstructure:"provider"` // openai or genai
	SocketPath        string        `mapstructure:"socket_path"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"` // 0 derives it from the model
	BatchSize         int           `mapstructure:"batch_size"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// LLM holds completion provider configuration.
type LLM struct {
	Provider    string        `mapstructure:"provider"` // openai or genai
	SocketPath  string        `mapstructure:"socket_path"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Storage holds the S3/MinIO guideline cache configuration.
type Storage struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Prefix          string `mapstructure:"prefix"`
}

// Ledger holds processed ledger configuration.
type Ledger struct {
	Path string `mapstructure:"path"` // SQLite file, or ":memory:"
}

// Guidelines configures the remote guideline catalog loop.
type Guidelines struct {
	Enabled          bool          `mapstructure:"enabled"`
	CatalogURL       string        `mapstructure:"catalog_url"`
	Format           string        `mapstructure:"format"` // json, yaml or html
	LinkSelector     string        `mapstructure:"link_selector"`
	Interval         time.Duration `mapstructure:"interval"`
	DefaultModule    string        `mapstructure:"default_module"`
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	TryMarkdownFirst bool          `mapstructure:"try_markdown_first"`
}

// CSR configures the clinical study report upload loop.
type CSR struct {
	Enabled    bool          `mapstructure:"enabled"`
	Dir        string        `mapstructure:"dir"`
	Interval   time.Duration `mapstructure:"interval"`
	Extensions []string      `mapstructure:"extensions"`
	Module     string        `mapstructure:"module"`
	Watch      bool          `mapstructure:"watch"`
	Debounce   time.Duration `mapstructure:"debounce"`
}

// Chunker holds chunking parameters. Changing them re-keys every chunk.
type Chunker struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`
	MaxChunks     int `mapstructure:"max_chunks"`
}

// Retrieval configures the Specialist's retrieval step.
type Retrieval struct {
	TokenBudget int           `mapstructure:"token_budget"`
	Candidates  int           `mapstructure:"candidates"`
	ModuleBoost float64       `mapstructure:"module_boost"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Ingestion holds engine options shared by both loops.
type Ingestion struct {
	PruneMissing bool `mapstructure:"prune_missing"`
}

// API holds HTTP API configuration.
type API struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MCP holds MCP server configuration.
type MCP struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	Transport string `mapstructure:"transport"` // stdio, http or none
	Addr      string `mapstructure:"addr"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Elasticsearch: Elasticsearch{
			Addresses: []string{"http://localhost:9200"},
			Index:     "specialist-chunks",
		},
		VectorStore: VectorStore{
			Backend: "elasticsearch",
		},
		Embeddings: Embeddings{
			Provider:          "openai",
			SocketPath:        "", // User must provide their Docker socket path
			Model:             "ai/embeddinggemma",
			BatchSize:         16,
			RequestsPerSecond: 0,
			Timeout:           60 * time.Second,
		},
		LLM: LLM{
			Provider:    "openai",
			SocketPath:  "",
			Model:       "ai/gemma3",
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Storage: Storage{
			Enabled:         false,
			Endpoint:        "localhost:9002",
			Bucket:          "specialist",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			UseSSL:          false,
			Prefix:          "guidelines",
		},
		Ledger: Ledger{
			Path: "./data/ledger.db",
		},
		Guidelines: Guidelines{
			Enabled:          true,
			Format:           "json",
			LinkSelector:     "a[href]",
			Interval:         24 * time.Hour,
			DefaultModule:    "general",
			UserAgent:        "Specialist/1.0",
			Timeout:          30 * time.Second,
			TryMarkdownFirst: true,
		},
		CSR: CSR{
			Enabled:    true,
			Dir:        "./data/uploads",
			Interval:   time.Minute,
			Extensions: []string{".md", ".markdown", ".txt", ".html", ".htm"},
			Module:     "csr_review",
			Watch:      true,
			Debounce:   500 * time.Millisecond,
		},
		Chunker: Chunker{
			MaxTokens:     512,
			OverlapTokens: 64,
			MaxChunks:     2000,
		},
		Retrieval: Retrieval{
			TokenBudget: 3000,
			Candidates:  20,
			ModuleBoost: 0.1,
			Timeout:     60 * time.Second,
		},
		Ingestion: Ingestion{
			PruneMissing: true,
		},
		API: API{
			Enabled: true,
			Addr:    ":8080",
		},
		MCP: MCP{
			Name:      "specialist",
			Version:   "1.0.0",
			Transport: "none",
			Addr:      ":8081",
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.VectorStore.Backend {
	case "elasticsearch":
		check(len(c.Elasticsearch.Addresses) > 0, "elasticsearch.addresses is required")
		check(c.Elasticsearch.Index != "", "elasticsearch.index is required")
	case "memory":
	default:
		check(false, "vector_store.backend must be elasticsearch or memory, got %q", c.VectorStore.Backend)
	}

	check(c.Embeddings.Provider == "openai" || c.Embeddings.Provider == "genai",
		"embeddings.provider must be openai or genai, got %q", c.Embeddings.Provider)
	check(c.Embeddings.BatchSize > 0, "embeddings.batch_size must be positive")
	check(c.Embeddings.RequestsPerSecond >= 0, "embeddings.requests_per_second must not be negative")
	check(c.LLM.Provider == "openai" || c.LLM.Provider == "genai",
		"llm.provider must be openai or genai, got %q", c.LLM.Provider)

	check(c.Ledger.Path != "", "ledger.path is required")

	if c.Guidelines.Enabled {
		check(c.Guidelines.Interval > 0, "guidelines.interval must be positive")
		check(c.Guidelines.CatalogURL != "", "guidelines.catalog_url is required when guidelines are enabled")
		check(c.Guidelines.Format == "json" || c.Guidelines.Format == "yaml" || c.Guidelines.Format == "html",
			"guidelines.format must be json, yaml or html, got %q", c.Guidelines.Format)
	}
	if c.CSR.Enabled {
		check(c.CSR.Interval > 0, "csr.interval must be positive")
		check(c.CSR.Dir != "", "csr.dir is required when csr is enabled")
	}

	check(c.Chunker.MaxTokens > 0, "chunker.max_tokens must be positive")
	check(c.Chunker.OverlapTokens >= 0, "chunker.overlap_tokens must not be negative")
	check(c.Chunker.OverlapTokens < c.Chunker.MaxTokens, "chunker.overlap_tokens must be smaller than chunker.max_tokens")
	check(c.Chunker.MaxChunks > 0, "chunker.max_chunks must be positive")

	check(c.Retrieval.TokenBudget > 0, "retrieval.token_budget must be positive")
	check(c.Retrieval.Candidates > 0, "retrieval.candidates must be positive")
	check(c.Retrieval.Timeout > 0, "retrieval.timeout must be positive")

	switch c.MCP.Transport {
	case "stdio", "none", "":
	case "http":
		check(c.MCP.Addr != "", "mcp.addr is required for the http transport")
	default:
		check(false, "mcp.transport must be stdio, http or none, got %q", c.MCP.Transport)
	}

	return errors.Join(errs...)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPECIALIST_CSR_DIR.
const EnvPrefix = "SPECIALIST"

// envKeys are the nested keys that may be set from the environment.
var envKeys = []string{
	"elasticsearch.addresses", "elasticsearch.index", "elasticsearch.username", "elasticsearch.password",
	"vector_store.backend",
	"embeddings.provider", "embeddings.socket_path", "embeddings.base_url", "embeddings.api_key",
	"embeddings.model", "embeddings.dimensions", "embeddings.batch_size", "embeddings.requests_per_second",
	"llm.provider", "llm.socket_path", "llm.base_url", "llm.api_key", "llm.model", "llm.max_tokens", "llm.temperature",
	"storage.enabled", "storage.endpoint", "storage.bucket", "storage.access_key_id", "storage.secret_access_key",
	"ledger.path",
	"guidelines.enabled", "guidelines.catalog_url", "guidelines.format", "guidelines.interval",
	"csr.enabled", "csr.dir", "csr.interval", "csr.watch",
	"chunker.max_tokens", "chunker.overlap_tokens",
	"retrieval.token_budget", "retrieval.candidates", "retrieval.module_boost", "retrieval.timeout",
	"ingestion.prune_missing",
	"api.enabled", "api.addr",
	"mcp.transport", "mcp.addr",
}

// Load reads configuration on top of Defaults. With an empty file it searches
// ./config, /etc/specialist and the working directory for config.yaml, and a
// missing file is not an error. Environment variables override both.
func Load(file string) (Config, error) {
	cfg := Defaults()
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/specialist")
		v.AddConfigPath(".")
	}

	// SPECIALIST_CSR_DIR -> csr.dir
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return cfg, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	// Comma-separated lists from the environment.
	if addrs := os.Getenv(envName("elasticsearch.addresses")); addrs != "" {
		cfg.Elasticsearch.Addresses = strings.Split(addrs, ",")
	}
	return cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

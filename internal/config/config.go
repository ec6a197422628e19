package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory config file.
const ProjectConfigName = ".lexsearch.yaml"

// Config is the complete lexsearch configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Lexical    LexicalConfig    `yaml:"lexical" json:"lexical"`
	Vector     VectorConfig     `yaml:"vector" json:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker" json:"reranker"`
	Facets     FacetsConfig     `yaml:"facets" json:"facets"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// PathsConfig locates the record database and index generations.
type PathsConfig struct {
	// DataDir holds generations, locks and the manifest.
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	Database string `yaml:"database" json:"database"`
}

// WeightPair is a (vector, keyword) weighting.
type WeightPair struct {
	Vector  float64 `yaml:"vector" json:"vector"`
	Keyword float64 `yaml:"keyword" json:"keyword"`
}

// SearchConfig tunes fusion, boosts and request handling.
type SearchConfig struct {
	DefaultLimit  int    `yaml:"default_limit" json:"default_limit"`
	MaxLimit      int    `yaml:"max_limit" json:"max_limit"`
	DefaultMode   string `yaml:"default_mode" json:"default_mode"`
	ExpansionMode string `yaml:"expansion_mode" json:"expansion_mode"`
	// CandidateK is how many hits each retrieval branch returns before fusion.
	CandidateK int `yaml:"candidate_k" json:"candidate_k"`

	KeywordPrimary  WeightPair `yaml:"keyword_primary" json:"keyword_primary"`
	SemanticPrimary WeightPair `yaml:"semantic_primary" json:"semantic_primary"`
	Balanced        WeightPair `yaml:"balanced" json:"balanced"`

	MaxBoost       float64            `yaml:"max_boost" json:"max_boost"`
	ScoreCap       float64            `yaml:"score_cap" json:"score_cap"`
	CitationBoost  float64            `yaml:"citation_boost" json:"citation_boost"`
	BoostTermScale float64            `yaml:"boost_term_scale" json:"boost_term_scale"`
	FacetBoost     float64            `yaml:"facet_boost" json:"facet_boost"`
	RecencyWeight  float64            `yaml:"recency_weight" json:"recency_weight"`
	RecencyDecay   float64            `yaml:"recency_decay" json:"recency_decay"`
	Authority      map[string]float64 `yaml:"authority" json:"authority"`

	EmbeddingTimeout time.Duration `yaml:"embedding_timeout" json:"embedding_timeout"`
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout" json:"retrieval_timeout"`
	AnalyzerCache    int           `yaml:"analyzer_cache" json:"analyzer_cache"`
}

// LexicalConfig tunes BM25 and the fallback matcher.
type LexicalConfig struct {
	// Backend is "memory" (default) or "bleve".
	Backend  string       `yaml:"backend" json:"backend"`
	K1       float64      `yaml:"k1" json:"k1"`
	B        float64      `yaml:"b" json:"b"`
	MinScore float64      `yaml:"min_score" json:"min_score"`
	Fields   FieldWeights `yaml:"fields" json:"fields"`
}

// FieldWeights multiply per-field BM25 scores.
type FieldWeights struct {
	CaseNumber float64 `yaml:"case_number" json:"case_number"`
	Title      float64 `yaml:"title" json:"title"`
	Parties    float64 `yaml:"parties" json:"parties"`
	Court      float64 `yaml:"court" json:"court"`
	Body       float64 `yaml:"body" json:"body"`
}

// VectorConfig tunes the HNSW graph.
type VectorConfig struct {
	M        int `yaml:"m" json:"m"`
	EfSearch int `yaml:"ef_search" json:"ef_search"`
}

// EmbeddingsConfig selects and tunes the embedding backend.
type EmbeddingsConfig struct {
	// Provider is "static" or "ollama".
	Provider   string        `yaml:"provider" json:"provider"`
	Model      string        `yaml:"model" json:"model"`
	Host       string        `yaml:"host" json:"host"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Workers    int           `yaml:"workers" json:"workers"`
	RateLimit  float64       `yaml:"rate_limit" json:"rate_limit"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

// RerankerConfig configures the cross-encoder stage.
type RerankerConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	BlendWeight   float64       `yaml:"blend_weight" json:"blend_weight"`
	MaxCandidates int           `yaml:"max_candidates" json:"max_candidates"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// FacetsConfig configures facet builds.
type FacetsConfig struct {
	Types []string `yaml:"types" json:"types"`
	// BoostScale sets boost_factor = BoostScale / case_count, so rarer terms
	// score higher. Fusion multiplies it by search.facet_boost.
	BoostScale float64 `yaml:"boost_scale" json:"boost_scale"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host             string        `yaml:"host" json:"host"`
	Port             int           `yaml:"port" json:"port"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	WatchGenerations bool          `yaml:"watch_generations" json:"watch_generations"`
}

// TelemetryConfig configures local query analytics. Nothing leaves the
// record store.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	// TopTerms bounds the in-memory term counter between flushes.
	TopTerms int `yaml:"top_terms" json:"top_terms"`
	// ZeroResultHistory is how many zero-result queries are kept.
	ZeroResultHistory int `yaml:"zero_result_history" json:"zero_result_history"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir:  ".lexsearch",
			Database: ".lexsearch/cases.db",
		},
		Search: SearchConfig{
			DefaultLimit:     10,
			MaxLimit:         100,
			DefaultMode:      "hybrid",
			ExpansionMode:    "balanced",
			CandidateK:       200,
			KeywordPrimary:   WeightPair{Vector: 0.2, Keyword: 0.8},
			SemanticPrimary:  WeightPair{Vector: 0.8, Keyword: 0.2},
			Balanced:         WeightPair{Vector: 0.5, Keyword: 0.5},
			MaxBoost:         3.0,
			ScoreCap:         10.0,
			CitationBoost:    3.0,
			BoostTermScale:   0.1,
			FacetBoost:       0.5,
			RecencyWeight:    0.2,
			RecencyDecay:     0.1,
			Authority:        DefaultAuthority(),
			EmbeddingTimeout: 15 * time.Second,
			RetrievalTimeout: 30 * time.Second,
			AnalyzerCache:    1000,
		},
		Lexical: LexicalConfig{
			Backend:  "memory",
			K1:       1.5,
			B:        0.75,
			MinScore: 0.1,
			Fields: FieldWeights{
				CaseNumber: 10,
				Title:      5,
				Parties:    3,
				Court:      2,
				Body:       1,
			},
		},
		Vector: VectorConfig{
			M:        16,
			EfSearch: 64,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Model:      "nomic-embed-text",
			Host:       "http://localhost:11434",
			Dimensions: 256,
			BatchSize:  32,
			Workers:    runtime.NumCPU(),
			RateLimit:  20,
			CacheSize:  1000,
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Reranker: RerankerConfig{
			Enabled:       false,
			Endpoint:      "http://localhost:9659",
			BlendWeight:   0.6,
			MaxCandidates: 50,
			Timeout:       10 * time.Second,
		},
		Facets: FacetsConfig{
			Types:      []string{"citation", "section", "judge", "court", "party"},
			BoostScale: 1.0,
		},
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8080,
			ShutdownTimeout:  10 * time.Second,
			WatchGenerations: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			FlushInterval:     time.Minute,
			TopTerms:          100,
			ZeroResultHistory: 100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// DefaultAuthority returns court-level authority boosts keyed by a
// lowercase substring of the court name. The longest matching key wins.
func DefaultAuthority() map[string]float64 {
	return map[string]float64{
		"supreme court":         0.3,
		"federal shariat court": 0.25,
		"high court":            0.2,
		"tribunal":              0.1,
		"sessions":              0.05,
	}
}

// GetUserConfigPath returns $XDG_CONFIG_HOME/lexsearch/config.yaml or ~/.config/lexsearch/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lexsearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "lexsearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "lexsearch", "config.yaml")
}

// Load builds the effective configuration for dir:
// defaults, then the user config, then dir/.lexsearch.yaml, then LEXSEARCH_* env vars.
// Relative paths are resolved against dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("load user config from %s: %w", path, err)
		}
	}

	if path := filepath.Join(dir, ProjectConfigName); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("load project config from %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths(dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML decodes path over the current values; keys absent from the file keep
// whatever the earlier layers set.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) resolvePaths(dir string) {
	if dir == "" {
		return
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		c.Paths.DataDir = filepath.Join(dir, c.Paths.DataDir)
	}
	if c.Paths.Database != ":memory:" && !filepath.IsAbs(c.Paths.Database) {
		c.Paths.Database = filepath.Join(dir, c.Paths.Database)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LEXSEARCH_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("LEXSEARCH_DATABASE"); v != "" {
		c.Paths.Database = v
	}
	if v := os.Getenv("LEXSEARCH_MAX_BOOST"); v != "" {
		if f, err := parseFloat64(v); err == nil && f >= 0 {
			c.Search.MaxBoost = f
		}
	}
	if v := os.Getenv("LEXSEARCH_BLEND_WEIGHT"); v != "" {
		if f, err := parseFloat64(v); err == nil && f >= 0 && f <= 1 {
			c.Reranker.BlendWeight = f
		}
	}
	if v := os.Getenv("LEXSEARCH_RERANKER_ENABLED"); v != "" {
		c.Reranker.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LEXSEARCH_RERANKER_ENDPOINT"); v != "" {
		c.Reranker.Endpoint = v
	}
	if v := os.Getenv("LEXSEARCH_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("LEXSEARCH_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("LEXSEARCH_OLLAMA_HOST"); v != "" {
		c.Embeddings.Host = v
	}
	if v := os.Getenv("LEXSEARCH_LEXICAL_BACKEND"); v != "" {
		c.Lexical.Backend = v
	}
	if v := os.Getenv("LEXSEARCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("LEXSEARCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LEXSEARCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	for name, w := range map[string]WeightPair{
		"keyword_primary":  c.Search.KeywordPrimary,
		"semantic_primary": c.Search.SemanticPrimary,
		"balanced":         c.Search.Balanced,
	} {
		if w.Vector < 0 || w.Keyword < 0 {
			return fmt.Errorf("search.%s weights must be non-negative", name)
		}
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search.default_limit must be in 1..max_limit, got %d", c.Search.DefaultLimit)
	}
	if c.Search.MaxBoost < 0 {
		return fmt.Errorf("search.max_boost must be non-negative, got %f", c.Search.MaxBoost)
	}
	if c.Search.FacetBoost < 0 {
		return fmt.Errorf("search.facet_boost must be non-negative, got %f", c.Search.FacetBoost)
	}
	if c.Search.ScoreCap <= 0 {
		return fmt.Errorf("search.score_cap must be positive, got %f", c.Search.ScoreCap)
	}
	switch strings.ToLower(c.Search.DefaultMode) {
	case "lexical", "semantic", "hybrid":
	default:
		return fmt.Errorf("search.default_mode must be 'lexical', 'semantic' or 'hybrid', got %s", c.Search.DefaultMode)
	}
	switch strings.ToLower(c.Search.ExpansionMode) {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("search.expansion_mode must be 'conservative', 'balanced' or 'aggressive', got %s", c.Search.ExpansionMode)
	}
	switch strings.ToLower(c.Lexical.Backend) {
	case "memory", "bleve":
	default:
		return fmt.Errorf("lexical.backend must be 'memory' or 'bleve', got %s", c.Lexical.Backend)
	}
	if c.Lexical.K1 < 0 || c.Lexical.B < 0 || c.Lexical.B > 1 {
		return fmt.Errorf("lexical.k1 must be >= 0 and lexical.b in [0,1]")
	}
	switch strings.ToLower(c.Embeddings.Provider) {
	case "static", "ollama":
	default:
		return fmt.Errorf("embeddings.provider must be 'static' or 'ollama', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Reranker.BlendWeight < 0 || c.Reranker.BlendWeight > 1 {
		return fmt.Errorf("reranker.blend_weight must be between 0 and 1, got %f", c.Reranker.BlendWeight)
	}
	if c.Reranker.MaxCandidates < 0 {
		return fmt.Errorf("reranker.max_candidates must be non-negative, got %d", c.Reranker.MaxCandidates)
	}
	if c.Telemetry.FlushInterval < 0 || c.Telemetry.TopTerms < 0 || c.Telemetry.ZeroResultHistory < 0 {
		return fmt.Errorf("telemetry.flush_interval, top_terms and zero_result_history must be non-negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

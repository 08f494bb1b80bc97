package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"corpusd"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"corpusd"`

	QdrantHost string `envconfig:"QDRANT_HOST" default:"qdrant"`
	QdrantPort int    `envconfig:"QDRANT_PORT" default:"6334"`
	VectorDim  int    `envconfig:"VECTOR_DIM" default:"384"`

	EmbedServiceURL  string `envconfig:"EMBED_SERVICE_URL" default:"http://embeddings:8080"`
	EmbedTokenBudget int    `envconfig:"EMBED_TOKEN_BUDGET" default:"460"`
	EmbedContextSize int    `envconfig:"EMBED_CONTEXT_SIZE" default:"512"`

	KBBaseURL     string `envconfig:"KB_BASE_URL"`
	KBTokenID     string `envconfig:"KB_TOKEN_ID"`
	KBTokenSecret string `envconfig:"KB_TOKEN_SECRET"`

	// Worker tuning
	EmbedConcurrency    int `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedBatchSize      int `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	EmbedMaxRetries     int `envconfig:"EMBED_MAX_RETRIES" default:"3"`
	EmbedPollSeconds    int `envconfig:"EMBED_POLL_SECONDS" default:"5"`
	KBPublishBatchSize  int `envconfig:"KB_PUBLISH_BATCH_SIZE" default:"50"`
	KBPublishMaxRetries int `envconfig:"KB_PUBLISH_MAX_RETRIES" default:"3"`
	KBPollSeconds       int `envconfig:"KB_POLL_SECONDS" default:"15"`
	StageBatchSize      int `envconfig:"STAGE_BATCH_SIZE" default:"200"`

	// Sources
	FeedURLs             []string `envconfig:"FEED_URLS"`
	FeedBackfillDays     int      `envconfig:"FEED_BACKFILL_DAYS" default:"30"`
	AdvisoryURL          string   `envconfig:"ADVISORY_URL"`
	AdvisoryBackfillRows int      `envconfig:"ADVISORY_BACKFILL_ROWS" default:"1000"`
	ListingURL           string   `envconfig:"LISTING_URL"`

	// Local state
	DataDir       string `envconfig:"DATA_DIR" default:"data"`
	DedupCapacity int    `envconfig:"DEDUP_CAPACITY" default:"100000"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell instead; a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EmbedServiceURL == "" {
		return fmt.Errorf("%w: EMBED_SERVICE_URL", ErrMissingRequired)
	}
	// The knowledge base is optional, but a half-configured one is a
	// deploy mistake.
	if c.KBBaseURL != "" && (c.KBTokenID == "" || c.KBTokenSecret == "") {
		return fmt.Errorf("%w: KB_TOKEN_ID and KB_TOKEN_SECRET when KB_BASE_URL is set", ErrMissingRequired)
	}
	return nil
}

// KBEnabled reports whether publication to the knowledge base is
// configured at all.
func (c *Config) KBEnabled() bool {
	return c.KBBaseURL != ""
}

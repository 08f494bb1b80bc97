package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"corpusd/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 100, cfg.EmbedBatchSize)
	assert.Equal(t, 3, cfg.EmbedMaxRetries)
	assert.Equal(t, 3, cfg.KBPublishMaxRetries)
	assert.Equal(t, 460, cfg.EmbedTokenBudget)
	assert.False(t, cfg.KBEnabled())
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_FeedURLs(t *testing.T) {
	os.Setenv("FEED_URLS", "https://a.example.com/rss,https://b.example.com/rss")
	defer os.Unsetenv("FEED_URLS")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/rss", "https://b.example.com/rss"}, cfg.FeedURLs)
}

func TestLoadConfig_HalfConfiguredKBRejected(t *testing.T) {
	os.Setenv("KB_BASE_URL", "https://kb.example.com")
	defer os.Unsetenv("KB_BASE_URL")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrMissingRequired)

	os.Setenv("KB_TOKEN_ID", "id")
	os.Setenv("KB_TOKEN_SECRET", "secret")
	defer os.Unsetenv("KB_TOKEN_ID")
	defer os.Unsetenv("KB_TOKEN_SECRET")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.True(t, cfg.KBEnabled())
}

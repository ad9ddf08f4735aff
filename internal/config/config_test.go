package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DOPAMINE", cfg.DICOM.AETitle)
	assert.Equal(t, 11112, cfg.DICOM.Port)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Nil(t, cfg.DICOM.AllowedAETs)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DICOM_AE_TITLE", "ARCHIVE")
	t.Setenv("DICOM_PORT", "10104")
	t.Setenv("CACHE_TYPE", "redis")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ARCHIVE", cfg.DICOM.AETitle)
	assert.Equal(t, 10104, cfg.DICOM.Port)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestParseAllowedAETs(t *testing.T) {
	t.Setenv("DICOM_ALLOWED_AETS", "MODALITY:store+query+retrieve; WS1:query")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.DICOM.AllowedAETs, 2)
	assert.Equal(t, []string{"store", "query", "retrieve"}, cfg.DICOM.AllowedAETs["MODALITY"])
	assert.Equal(t, []string{"query"}, cfg.DICOM.AllowedAETs["WS1"])
}

func TestParseAllowedAETsRejectsUnknownService(t *testing.T) {
	t.Setenv("DICOM_ALLOWED_AETS", "MODALITY:teleport")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.DICOM.AETitle = "THIS_AE_TITLE_IS_TOO_LONG"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.DICOM.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Cache.Type = "memcached"
	assert.Error(t, cfg.Validate())
}

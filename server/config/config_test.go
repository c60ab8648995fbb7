package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func load(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := load(t)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "http", cfg.Detector.Backend)
	assert.Equal(t, []string{"helmet", "head"}, cfg.Detector.Labels)
	assert.Equal(t, 0.3, cfg.Policy.Threshold)
	assert.Equal(t, 0, cfg.Policy.HelmetClassID)
	assert.Equal(t, 1, cfg.Policy.NoHelmetClassID)
	assert.Equal(t, 3*time.Second, cfg.Alert.Cooldown)
	assert.Equal(t, "violations", cfg.Storage.ViolationsDir)
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 2, cfg.Camera.BufferSize)
	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3000"}, cfg.Security.AllowedOrigins)

	assert.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.45")
	t.Setenv("ALERT_COOLDOWN", "5s")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001234567890")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("ALLOWED_ORIGINS", " http://a.test , ,http://b.test")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("SKIP_LABEL_VALIDATION", "true")

	cfg := load(t)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.45, cfg.Policy.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Alert.Cooldown)
	assert.Equal(t, int64(-1001234567890), cfg.Alert.TelegramChatID)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.Security.RateLimitRPS)
	assert.True(t, cfg.Detector.SkipLabelValidation)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("ALERT_COOLDOWN", "3")

	cfg := load(t)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Alert.Cooldown)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CAMERA_DEVICE=rtsp://cam.local/stream\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CAMERA_DEVICE") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "rtsp://cam.local/stream", cfg.Camera.Device)
}

func TestLoadConfig_EnvironmentBeatsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("VIOLATIONS_DIR=from-file\n"), 0o600))
	t.Setenv("VIOLATIONS_DIR", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Storage.ViolationsDir)
}

func TestValidateConfig_AggregatesErrors(t *testing.T) {
	cfg := load(t)
	cfg.Server.Port = 0
	cfg.Detector.Backend = "tflite"
	cfg.Policy.Threshold = 1.5
	cfg.Policy.NoHelmetClassID = cfg.Policy.HelmetClassID
	cfg.Alert.TelegramToken = "token"
	cfg.Camera.BufferSize = 0

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	for _, want := range []string{
		"server port",
		`unknown detector backend "tflite"`,
		"confidence threshold",
		"class ids must differ",
		"TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID",
		"camera buffer",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateConfig_HTTPSNeedsCert(t *testing.T) {
	cfg := load(t)
	cfg.Security.EnableHTTPS = true

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CERT_FILE")
}

func TestValidateConfig_RejectsEmptyOrigins(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", ",")

	cfg := load(t)
	assert.Empty(t, cfg.Security.AllowedOrigins)

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOWED_ORIGINS")
}

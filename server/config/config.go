package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Detector DetectorConfig `json:"detector"`
	Policy   PolicyConfig   `json:"policy"`
	Alert    AlertConfig    `json:"alert"`
	Storage  StorageConfig  `json:"storage"`
	Camera   CameraConfig   `json:"camera"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
	StaticDir    string        `json:"static_dir"`
}

type DetectorConfig struct {
	// Backend is "http" (remote inference service) or "gocv" (in-process ONNX).
	Backend             string        `json:"backend"`
	BaseURL             string        `json:"base_url"`
	PredictPath         string        `json:"predict_path"`
	ModelPath           string        `json:"model_path"`
	Labels              []string      `json:"labels"`
	InputSize           int           `json:"input_size"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	SkipLabelValidation bool          `json:"skip_label_validation"`
	QueueSize           int           `json:"queue_size"`
	ProcessingTimeout   time.Duration `json:"processing_timeout"`
}

type PolicyConfig struct {
	Threshold       float64 `json:"threshold"`
	HelmetClassID   int     `json:"helmet_class_id"`
	NoHelmetClassID int     `json:"no_helmet_class_id"`
	JPEGQuality     int     `json:"jpeg_quality"`
}

type AlertConfig struct {
	Cooldown       time.Duration `json:"cooldown"`
	BeepEnabled    bool          `json:"beep_enabled"`
	Timeout        time.Duration `json:"timeout"`
	TelegramToken  string        `json:"-"`
	TelegramChatID int64         `json:"telegram_chat_id"`
}

type StorageConfig struct {
	ViolationsDir string `json:"violations_dir"`
	// DatabasePath is the SQLite event log; empty disables it.
	DatabasePath string `json:"database_path"`
}

type CameraConfig struct {
	Device     string `json:"device"`
	Backend    string `json:"backend"`
	FPS        int    `json:"fps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BufferSize int    `json:"buffer_size"`
	AutoStart  bool   `json:"auto_start"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"-"`
	AdminUsername  string        `json:"admin_username"`
	AdminPassword  string        `json:"-"`
	TokenTTL       time.Duration `json:"token_ttl"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var defaultOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3000"}

// LoadConfig reads the environment, after loading envFiles (default ".env") into it.
// Missing files are ignored; variables already set win.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8000),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
			StaticDir:    getEnv("STATIC_DIR", "./client/dist"),
		},
		Detector: DetectorConfig{
			Backend:             strings.ToLower(getEnv("DETECTOR_BACKEND", "http")),
			BaseURL:             getEnv("DETECTOR_URL", "http://localhost:5000"),
			PredictPath:         getEnv("DETECTOR_PREDICT_PATH", "/detect"),
			ModelPath:           getEnv("MODEL_PATH", "runs/detect/train3/weights/best.onnx"),
			Labels:              getEnvAsStringSlice("MODEL_LABELS", []string{"helmet", "head"}),
			InputSize:           getEnvAsInt("MODEL_INPUT_SIZE", 640),
			Timeout:             getEnvAsDuration("DETECTOR_TIMEOUT", 30*time.Second),
			MaxRetries:          getEnvAsInt("DETECTOR_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("DETECTOR_RETRY_DELAY", time.Second),
			HealthCheckInterval: getEnvAsDuration("DETECTOR_HEALTH_CHECK_INTERVAL", 30*time.Second),
			SkipLabelValidation: getEnvAsBool("SKIP_LABEL_VALIDATION", false),
			QueueSize:           getEnvAsInt("DETECTOR_QUEUE_SIZE", 32),
			ProcessingTimeout:   getEnvAsDuration("PROCESSING_TIMEOUT", 30*time.Second),
		},
		Policy: PolicyConfig{
			Threshold:       getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.3),
			HelmetClassID:   getEnvAsInt("HELMET_CLASS_ID", 0),
			NoHelmetClassID: getEnvAsInt("NO_HELMET_CLASS_ID", 1),
			JPEGQuality:     getEnvAsInt("JPEG_QUALITY", 90),
		},
		Alert: AlertConfig{
			Cooldown:       getEnvAsDuration("ALERT_COOLDOWN", 3*time.Second),
			BeepEnabled:    getEnvAsBool("ALERT_BEEP", true),
			Timeout:        getEnvAsDuration("ALERT_TIMEOUT", 30*time.Second),
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
		},
		Storage: StorageConfig{
			ViolationsDir: getEnv("VIOLATIONS_DIR", "violations"),
			DatabasePath:  getEnv("VIOLATION_DB", "violations.db"),
		},
		Camera: CameraConfig{
			Device:     getEnv("CAMERA_DEVICE", "/dev/video0"),
			Backend:    strings.ToLower(getEnv("CAMERA_BACKEND", "ffmpeg")),
			FPS:        getEnvAsInt("CAMERA_FPS", 10),
			Width:      getEnvAsInt("CAMERA_WIDTH", 640),
			Height:     getEnvAsInt("CAMERA_HEIGHT", 480),
			BufferSize: getEnvAsInt("CAMERA_BUFFER", 2),
			AutoStart:  getEnvAsBool("MONITOR_AUTOSTART", false),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET", ""),
			AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
			AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
			TokenTTL:       getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", defaultOrigins),
			RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	return config, nil
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	switch c.Detector.Backend {
	case "http":
		if c.Detector.BaseURL == "" {
			errs = append(errs, "detector URL is required for the http backend")
		}
	case "gocv":
		if c.Detector.ModelPath == "" {
			errs = append(errs, "model path is required for the gocv backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown detector backend %q", c.Detector.Backend))
	}

	if c.Policy.Threshold < 0 || c.Policy.Threshold >= 1 {
		errs = append(errs, "confidence threshold must be in [0, 1)")
	}
	if c.Policy.HelmetClassID == c.Policy.NoHelmetClassID {
		errs = append(errs, "helmet and no-helmet class ids must differ")
	}
	if c.Policy.JPEGQuality < 1 || c.Policy.JPEGQuality > 100 {
		errs = append(errs, "jpeg quality must be between 1 and 100")
	}

	if c.Alert.Cooldown < 0 {
		errs = append(errs, "alert cooldown must not be negative")
	}
	if (c.Alert.TelegramToken == "") != (c.Alert.TelegramChatID == 0) {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	if c.Storage.ViolationsDir == "" {
		errs = append(errs, "violations directory is required")
	}

	if c.Camera.FPS < 1 {
		errs = append(errs, "camera fps must be positive")
	}
	if c.Camera.BufferSize < 1 {
		errs = append(errs, "camera buffer must hold at least one frame")
	}

	if c.Security.MaxRequestSize <= 0 {
		errs = append(errs, "max request size must be positive")
	}
	if c.Security.RateLimitRPS <= 0 {
		errs = append(errs, "rate limit rps must be positive")
	}
	if c.Security.AdminPassword != "" && c.Security.JWTSecretKey == "" {
		errs = append(errs, "ADMIN_PASSWORD requires JWT_SECRET")
	}
	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errs = append(errs, "CERT_FILE and KEY_FILE are required when HTTPS is enabled")
	}
	if len(c.Security.AllowedOrigins) == 0 {
		errs = append(errs, "ALLOWED_ORIGINS must list at least one origin")
	}
	for _, o := range c.Security.AllowedOrigins {
		if o == "*" {
			logger.Warn("ALLOWED_ORIGINS contains *, any origin may call the API")
		}
	}

	if c.Detector.SkipLabelValidation {
		logger.Warn("Label validation disabled, class ids are trusted as configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

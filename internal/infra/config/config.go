package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LARKSTREAM_"

// Config is the top-level client configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Fragments   FragmentsConfig   `yaml:"fragments"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Status      StatusConfig      `yaml:"status"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Includes    []string          `yaml:"includes,omitempty"`
}

// AppConfig holds the application credentials.
// AppSecret may be written as "enc:<value>" and is decrypted with
// LARKSTREAM_CONFIG_KEY.
type AppConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	BaseURL   string `yaml:"base_url"`
}

// ConnectionConfig holds the initial reconnect and keepalive settings.
// Values pushed by the server replace them at runtime.
type ConnectionConfig struct {
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	ReconnectCount    int           `yaml:"reconnect_count"` // negative = unlimited
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectNonce    time.Duration `yaml:"reconnect_nonce"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// FragmentsConfig holds the reassembly buffer limits.
type FragmentsConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxPending int           `yaml:"max_pending"`
}

// NegotiationConfig holds endpoint negotiation settings.
type NegotiationConfig struct {
	Timeout time.Duration        `yaml:"timeout"`
	Breaker CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for negotiation.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DispatchConfig bounds concurrent event handlers.
type DispatchConfig struct {
	MaxInFlight int64 `yaml:"max_in_flight"`
}

// StatusConfig holds the optional status HTTP server settings.
type StatusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults. Credentials are left
// empty.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			BaseURL: "https://open.feishu.cn",
		},
		Connection: ConnectionConfig{
			AutoReconnect:     true,
			ReconnectCount:    -1,
			ReconnectInterval: 2 * time.Minute,
			ReconnectNonce:    30 * time.Second,
			PingInterval:      2 * time.Minute,
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxMessageSize:    4 << 20,
		},
		Fragments: FragmentsConfig{
			TTL:        5 * time.Second,
			MaxPending: 1024,
		},
		Negotiation: NegotiationConfig{
			Timeout: 15 * time.Second,
			Breaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			MaxInFlight: 256,
		},
		Status: StatusConfig{
			Addr:           "127.0.0.1:9464",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it wins over anything it included.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps LARKSTREAM_* env vars to config fields. Values
// that fail to parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("APP_ID", &cfg.App.AppID)
	str("APP_SECRET", &cfg.App.AppSecret)
	str("BASE_URL", &cfg.App.BaseURL)

	boolean("AUTO_RECONNECT", &cfg.Connection.AutoReconnect)
	if v := os.Getenv(EnvPrefix + "RECONNECT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connection.ReconnectCount = n
		}
	}
	dur("RECONNECT_INTERVAL", &cfg.Connection.ReconnectInterval)
	dur("RECONNECT_NONCE", &cfg.Connection.ReconnectNonce)
	dur("PING_INTERVAL", &cfg.Connection.PingInterval)
	dur("FRAGMENT_TTL", &cfg.Fragments.TTL)
	dur("NEGOTIATION_TIMEOUT", &cfg.Negotiation.Timeout)

	if v := os.Getenv(EnvPrefix + "MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Dispatch.MaxInFlight = n
		}
	}

	boolean("STATUS_ENABLED", &cfg.Status.Enabled)
	str("STATUS_ADDR", &cfg.Status.Addr)
	if v := os.Getenv(EnvPrefix + "STATUS_TRUSTED_PROXIES"); v != "" {
		cfg.Status.TrustedProxies = splitAndTrim(v, ",")
	}

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	boolean("TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.App.AppSecret, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.App.AppSecret, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("app.app_secret: %w", err)
		}
		cfg.App.AppSecret = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
// The file holds the app secret.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

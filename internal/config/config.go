// Package config resolves the gateway's environment surface and the mutable
// runtime configuration persisted in config.json. Canonical keys use the
// OPENCLAW_ prefix; the legacy MOLTBOT_ family is read at lower precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Profiles recognized by the posture gate.
const (
	ProfileLocal  = "local"
	ProfileLAN    = "lan"
	ProfilePublic = "public"

	RuntimeMinimal  = "minimal"
	RuntimeHardened = "hardened"
)

// Webhook auth modes.
const (
	WebhookModeBearer       = "bearer"
	WebhookModeHMAC         = "hmac"
	WebhookModeBearerOrHMAC = "bearer_or_hmac"
)

// Config is the process-wide resolved configuration. The posture-relevant
// subset is copied into a DeploymentPosture snapshot at startup and never
// mutated afterwards.
type Config struct {
	ListenAddr string
	StateDir   string

	// Auth
	AdminToken         string
	ObservabilityToken string
	WebhookMode        string
	WebhookToken       string
	WebhookHMACSecret  string
	RequireApproval    bool
	PresetsPublicRead  bool
	AllowRemoteAdmin   bool
	AllowNoOriginCSRF  bool

	// Posture
	DeploymentProfile string
	RuntimeProfile    string
	SharedSurfaceAck  bool
	TrustedProxies    []string
	TrustXFF          bool

	// Safety
	AllowAnyPublicLLMHost bool
	AllowInsecureBaseURL  bool
	LLMAllowedHosts       []string
	CallbackAllowHosts    []string
	BridgeEnabled         bool
	BridgeDeviceToken     string
	BridgeMTLSBundle      string

	// Budgets
	MaxInflightTotal         int
	MaxInflightWebhook       int
	MaxInflightBridge        int
	MaxRenderedWorkflowBytes int
	LLMTimeout               time.Duration
	MediaTTL                 time.Duration
	MediaMaxMB               int

	// Engine
	EngineURL string

	// Providers
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string

	// Redis (optional idempotency backend)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduler
	SchedulerTickInterval time.Duration
	SchedulerMaxCatchup   int
	SchedulerJitterMax    time.Duration

	// Misc
	Diagnostics        string
	LogTruncateOnStart bool
	IdempotencyTTL     time.Duration
}

// getenv reads the canonical key, then the legacy alias, then the default.
func getenv(key, def string) string {
	if v := os.Getenv("OPENCLAW_" + key); v != "" {
		return v
	}
	if v := os.Getenv("MOLTBOT_" + key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := strings.ToLower(getenv(key, ""))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getint(key string, def int) int {
	if v := getenv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getlist(key string) []string {
	v := getenv(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load resolves the configuration from the environment. A .env file beside
// the binary is honored when present (godotenv does not override real env).
func Load() (*Config, error) {
	_ = godotenv.Load()

	stateDir := getenv("STATE_DIR", "")
	if stateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		stateDir = filepath.Join(base, "openclaw")
	}

	cfg := &Config{
		ListenAddr: getenv("LISTEN_ADDR", "127.0.0.1:8787"),
		StateDir:   stateDir,

		AdminToken:         getenv("ADMIN_TOKEN", ""),
		ObservabilityToken: getenv("OBS_TOKEN", ""),
		WebhookMode:        strings.ToLower(getenv("WEBHOOK_MODE", WebhookModeBearer)),
		WebhookToken:       getenv("WEBHOOK_TOKEN", ""),
		WebhookHMACSecret:  getenv("WEBHOOK_HMAC_SECRET", ""),
		RequireApproval:    getbool("REQUIRE_APPROVAL", false),
		PresetsPublicRead:  getbool("PRESETS_PUBLIC_READ", false),
		AllowRemoteAdmin:   getbool("ALLOW_REMOTE_ADMIN", false),
		AllowNoOriginCSRF:  getbool("ALLOW_NO_ORIGIN", false),

		DeploymentProfile: strings.ToLower(getenv("DEPLOYMENT_PROFILE", ProfileLocal)),
		RuntimeProfile:    strings.ToLower(getenv("RUNTIME_PROFILE", RuntimeMinimal)),
		SharedSurfaceAck:  getbool("SHARED_SURFACE_ACK", false),
		TrustedProxies:    getlist("TRUSTED_PROXIES"),
		TrustXFF:          getbool("TRUST_XFF", false),

		AllowAnyPublicLLMHost: getbool("ALLOW_ANY_PUBLIC_LLM_HOST", false),
		AllowInsecureBaseURL:  getbool("ALLOW_INSECURE_BASE_URL", false),
		LLMAllowedHosts:       getlist("LLM_ALLOWED_HOSTS"),
		CallbackAllowHosts:    getlist("CALLBACK_ALLOW_HOSTS"),
		BridgeEnabled:         getbool("BRIDGE_ENABLED", false),
		BridgeDeviceToken:     getenv("BRIDGE_DEVICE_TOKEN", ""),
		BridgeMTLSBundle:      getenv("BRIDGE_MTLS_BUNDLE", ""),

		MaxInflightTotal:         getint("MAX_INFLIGHT_TOTAL", 2),
		MaxInflightWebhook:       getint("MAX_INFLIGHT_WEBHOOK", 1),
		MaxInflightBridge:        getint("MAX_INFLIGHT_BRIDGE", 1),
		MaxRenderedWorkflowBytes: getint("MAX_RENDERED_WORKFLOW_BYTES", 512*1024),
		LLMTimeout:               time.Duration(getint("LLM_TIMEOUT_SEC", 120)) * time.Second,
		MediaTTL:                 time.Duration(getint("MEDIA_TTL_SEC", 3600)) * time.Second,
		MediaMaxMB:               getint("MEDIA_MAX_MB", 25),

		EngineURL: getenv("ENGINE_URL", "http://127.0.0.1:8188"),

		OpenAIAPIKey:    getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getenv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		SchedulerTickInterval: time.Duration(getint("SCHEDULER_TICK_SEC", 15)) * time.Second,
		SchedulerMaxCatchup:   getint("SCHEDULER_MAX_CATCHUP", 3),
		SchedulerJitterMax:    time.Duration(getint("SCHEDULER_JITTER_MS", 2000)) * time.Millisecond,

		Diagnostics:        getenv("DIAGNOSTICS", ""),
		LogTruncateOnStart: getbool("LOG_TRUNCATE_ON_START", false),
		IdempotencyTTL:     time.Duration(getint("IDEMPOTENCY_TTL_SEC", 3600)) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DeploymentProfile {
	case ProfileLocal, ProfileLAN, ProfilePublic:
	default:
		return fmt.Errorf("unknown deployment profile %q", c.DeploymentProfile)
	}
	switch c.RuntimeProfile {
	case RuntimeMinimal, RuntimeHardened:
	default:
		return fmt.Errorf("unknown runtime profile %q", c.RuntimeProfile)
	}
	switch c.WebhookMode {
	case WebhookModeBearer, WebhookModeHMAC, WebhookModeBearerOrHMAC:
	default:
		return fmt.Errorf("unknown webhook mode %q", c.WebhookMode)
	}
	return nil
}

// Path joins the state directory with name.
func (c *Config) Path(name string) string {
	return filepath.Join(c.StateDir, name)
}

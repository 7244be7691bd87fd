package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type IdentityCfg struct {
	IPSalt string `yaml:"ip_salt"`
	UASalt string `yaml:"ua_salt"`
}

// BucketCfg binds a named action to its rate limit. Dedup marks the action as
// a low-value event whose repeats within the dedup window are suppressed.
// ShadowBanEligible actions are silently accepted for shadow-banned users
// instead of being denied.
type BucketCfg struct {
	Limit             int  `yaml:"limit"`
	WindowMs          int  `yaml:"window_ms"`
	Dedup             bool `yaml:"dedup"`
	ShadowBanEligible bool `yaml:"shadow_ban_eligible"`
}

func (b BucketCfg) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

type DedupCfg struct {
	WindowMs int `yaml:"window_ms"`
	Capacity int `yaml:"capacity"`
}

func (d DedupCfg) Window() time.Duration {
	return time.Duration(d.WindowMs) * time.Millisecond
}

type BreakerCfg struct {
	IPQPSMax          float64 `yaml:"ip_qps_max"`
	BanSeconds        int     `yaml:"ban_seconds"`
	WindowSeconds     int     `yaml:"window_seconds"`
	RecoveryThreshold float64 `yaml:"recovery_threshold"`
	ProbeCount        int     `yaml:"probe_count"`
}

type AnomalyWeights struct {
	Burst       float64 `yaml:"burst"`
	Duplication float64 `yaml:"duplication"`
	Entropy     float64 `yaml:"entropy"`
}

type AnomalyThresholds struct {
	Warning float64 `yaml:"warning"`
	Action  float64 `yaml:"action"`
}

type AnomalyCfg struct {
	Weights      AnomalyWeights    `yaml:"weights"`
	Thresholds   AnomalyThresholds `yaml:"thresholds"`
	BurstCeiling int               `yaml:"burst_ceiling"`
}

type ChallengeCfg struct {
	Enabled          bool    `yaml:"enabled"`
	TriggerOnScore   float64 `yaml:"trigger_on_score"`
	BypassDurationMs int     `yaml:"bypass_duration_ms"`
	// BypassSecret signs portable bypass tokens (base64url, >= 32 bytes decoded).
	BypassSecret string `yaml:"bypass_secret"`
}

func (c ChallengeCfg) BypassDuration() time.Duration {
	return time.Duration(c.BypassDurationMs) * time.Millisecond
}

type ShadowBanCfg struct {
	UserIDs []string `yaml:"user_ids"`
}

type TrendWeights struct {
	Views  float64 `yaml:"views"`
	Copies float64 `yaml:"copies"`
	Saves  float64 `yaml:"saves"`
	Votes  float64 `yaml:"votes"`
}

type TrendCfg struct {
	Lambda  float64      `yaml:"lambda"`
	Weights TrendWeights `yaml:"weights"`
}

type AuditCfg struct {
	Buffer int `yaml:"buffer"`
}

type Config struct {
	Mode      string               `yaml:"mode"` // production | development
	Server    ServerCfg            `yaml:"server"`
	Logging   LoggingCfg           `yaml:"logging"`
	Identity  IdentityCfg          `yaml:"identity"`
	Buckets   map[string]BucketCfg `yaml:"buckets"`
	Dedup     DedupCfg             `yaml:"dedup"`
	Breaker   BreakerCfg           `yaml:"breaker"`
	Anomaly   AnomalyCfg           `yaml:"anomaly"`
	Challenge ChallengeCfg         `yaml:"challenge"`
	ShadowBan ShadowBanCfg         `yaml:"shadow_ban"`
	Trend     TrendCfg             `yaml:"trend"`
	Audit     AuditCfg             `yaml:"audit"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "development"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8086"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Dedup.WindowMs == 0 {
		c.Dedup.WindowMs = 600_000 // 10 minutes
	}
	if c.Dedup.Capacity == 0 {
		c.Dedup.Capacity = 100_000
	}
	if c.Breaker.IPQPSMax == 0 {
		c.Breaker.IPQPSMax = 10
	}
	if c.Breaker.BanSeconds == 0 {
		c.Breaker.BanSeconds = 60
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 10
	}
	if c.Breaker.RecoveryThreshold == 0 {
		c.Breaker.RecoveryThreshold = 0.7
	}
	if c.Breaker.ProbeCount == 0 {
		c.Breaker.ProbeCount = 5
	}
	if (c.Anomaly.Weights == AnomalyWeights{}) {
		c.Anomaly.Weights = AnomalyWeights{Burst: 0.6, Duplication: 0.3, Entropy: 0.1}
	}
	if c.Anomaly.Thresholds.Warning == 0 && c.Anomaly.Thresholds.Action == 0 {
		c.Anomaly.Thresholds = AnomalyThresholds{Warning: 0.5, Action: 0.8}
	}
	if c.Anomaly.BurstCeiling == 0 {
		c.Anomaly.BurstCeiling = 20
	}
	if c.Challenge.TriggerOnScore == 0 {
		c.Challenge.TriggerOnScore = c.Anomaly.Thresholds.Action
	}
	if c.Challenge.BypassDurationMs == 0 {
		c.Challenge.BypassDurationMs = 1_800_000 // 30 minutes
	}
	if c.Trend.Lambda == 0 {
		c.Trend.Lambda = 0.25
	}
	if (c.Trend.Weights == TrendWeights{}) {
		c.Trend.Weights = TrendWeights{Views: 0.4, Copies: 0.3, Saves: 0.2, Votes: 0.1}
	}
	if c.Audit.Buffer == 0 {
		c.Audit.Buffer = 1024
	}
}

// Validate enforces the configuration invariants. Any error here is fatal:
// the process must not serve traffic with a partially valid policy.
func (c *Config) Validate() error {
	switch c.Mode {
	case "production", "development":
	default:
		return fmt.Errorf("mode must be 'production' or 'development', got %q", c.Mode)
	}
	if c.Mode == "production" {
		if c.Identity.IPSalt == "" || c.Identity.UASalt == "" {
			return errors.New("identity.ip_salt and identity.ua_salt required in production mode")
		}
	}
	if len(c.Buckets) == 0 {
		return errors.New("at least one rate-limit bucket required")
	}
	for name, b := range c.Buckets {
		if b.Limit <= 0 {
			return fmt.Errorf("bucket %q: limit must be > 0", name)
		}
		if b.WindowMs <= 0 {
			return fmt.Errorf("bucket %q: window_ms must be > 0", name)
		}
	}
	if c.Dedup.WindowMs <= 0 {
		return errors.New("dedup.window_ms must be > 0")
	}
	if c.Breaker.IPQPSMax <= 0 {
		return errors.New("breaker.ip_qps_max must be > 0")
	}
	if c.Breaker.BanSeconds <= 0 || c.Breaker.WindowSeconds <= 0 {
		return errors.New("breaker.ban_seconds and breaker.window_seconds must be > 0")
	}
	if c.Breaker.RecoveryThreshold <= 0 || c.Breaker.RecoveryThreshold > 1 {
		return errors.New("breaker.recovery_threshold must be in (0, 1]")
	}
	if c.Breaker.ProbeCount <= 0 {
		return errors.New("breaker.probe_count must be > 0")
	}
	w := c.Anomaly.Weights
	if w.Burst < 0 || w.Duplication < 0 || w.Entropy < 0 {
		return errors.New("anomaly.weights must be non-negative")
	}
	if math.Abs(w.Burst+w.Duplication+w.Entropy-1) > 1e-9 {
		return errors.New("anomaly.weights must sum to 1")
	}
	if c.Anomaly.Thresholds.Warning < 0 {
		return errors.New("anomaly.thresholds.warning must be >= 0")
	}
	if c.Anomaly.Thresholds.Action <= c.Anomaly.Thresholds.Warning {
		return errors.New("anomaly.thresholds.action must be > warning")
	}
	if c.Anomaly.BurstCeiling <= 0 {
		return errors.New("anomaly.burst_ceiling must be > 0")
	}
	if c.Challenge.Enabled {
		if c.Challenge.TriggerOnScore <= 0 {
			return errors.New("challenge.trigger_on_score must be > 0 when challenge enabled")
		}
		if c.Challenge.BypassDurationMs <= 0 {
			return errors.New("challenge.bypass_duration_ms must be > 0 when challenge enabled")
		}
		dec, err := base64.RawURLEncoding.DecodeString(c.Challenge.BypassSecret)
		if err != nil {
			return fmt.Errorf("challenge.bypass_secret must be base64url: %w", err)
		}
		if len(dec) < 32 {
			return errors.New("challenge.bypass_secret must decode to >= 32 bytes")
		}
	}
	if c.Trend.Lambda <= 0 {
		return errors.New("trend.lambda must be > 0")
	}
	tw := c.Trend.Weights
	if tw.Views < 0 || tw.Copies < 0 || tw.Saves < 0 || tw.Votes < 0 {
		return errors.New("trend.weights must be non-negative")
	}
	if c.Audit.Buffer <= 0 {
		return errors.New("audit.buffer must be > 0")
	}
	return nil
}

func (c *Config) Production() bool { return c.Mode == "production" }

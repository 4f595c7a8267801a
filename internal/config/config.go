package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SessionConfig is the complete, immutable configuration for one trading
// session. It is built once at construction and passed by value; nothing in
// the engine mutates it after load, so two sessions can never observe each
// other's settings.
type SessionConfig struct {
	SessionID string   `json:"session_id"`
	Symbols   []string `json:"symbols"`
	Mode      string   `json:"mode"` // "paper" or "real"

	// MetaClassifierPath points at an optional trained weight file that
	// nudges ensemble confidence. Absent file means no adjustment.
	MetaClassifierPath string `json:"meta_classifier_path,omitempty"`

	Safety    SafetyConfig    `json:"safety"`
	Risk      RiskConfig      `json:"risk"`
	StopLoss  StopLossConfig  `json:"stop_loss"`
	Arbiter   ArbiterConfig   `json:"arbiter"`
	Execution ExecutionConfig `json:"execution"`
	Broker    BrokerConfig    `json:"broker"`
	Journal   JournalConfig   `json:"journal"`
	State     StateConfig     `json:"state"`
}

// SafetyConfig holds the circuit-breaker and loss-limit thresholds.
type SafetyConfig struct {
	MaxPositionSizeFraction float64       `json:"max_position_size_fraction"` // notional cap vs available balance
	MaxDailyLossFraction    float64       `json:"max_daily_loss_fraction"`    // vs start-of-day balance
	LossStreakLimit         int           `json:"loss_streak_limit"`
	SymbolCooldown          time.Duration `json:"symbol_cooldown"`
	GlobalCooldown          time.Duration `json:"global_cooldown"`
	VolatilityThreshold     float64       `json:"volatility_threshold"`
	APIFailureLimit         int           `json:"api_failure_limit"`
}

// RiskConfig holds position sizing and risk profile parameters.
type RiskConfig struct {
	InitialBalance      float64 `json:"initial_balance"`
	BaseRiskFraction    float64 `json:"base_risk_fraction"`
	MaxPositionFraction float64 `json:"max_position_fraction"`
	MinNotionalBuffer   float64 `json:"min_notional_buffer"` // multiplier over exchange min notional
}

// StopLossConfig holds the exit rule parameters.
type StopLossConfig struct {
	FixedPercent      float64       `json:"fixed_percent"`       // e.g. 0.05 = 5%
	ATRMultiple       float64       `json:"atr_multiple"`        // e.g. 2.0
	TrailingPercent   float64       `json:"trailing_percent"`    // below running peak
	TimeTightenAfter  time.Duration `json:"time_tighten_after"`  // holding period before tightening
	TimeTightenOffset float64       `json:"time_tighten_offset"` // e.g. 0.01 = 1% below current
	VolMultiple       float64       `json:"vol_multiple"`        // e.g. 3.0
	MaxLossPercent    float64       `json:"max_loss_percent"`    // cap for the volatility rule
}

// ArbiterConfig holds the decision voting parameters.
type ArbiterConfig struct {
	BaseThreshold  float64 `json:"base_threshold"`
	ThresholdFloor float64 `json:"threshold_floor"`
	ThresholdCeil  float64 `json:"threshold_ceil"`
	MinPowerDiff   float64 `json:"min_power_diff"`
	StrongMargin   float64 `json:"strong_margin"` // above threshold for STRONG_* directives
}

// ExecutionConfig holds order execution and resting take-profit parameters.
type ExecutionConfig struct {
	TakeProfitPercent float64       `json:"take_profit_percent"`
	SpreadMargin      float64       `json:"spread_margin"`     // ask nudge for TP placement
	RepriceThreshold  float64       `json:"reprice_threshold"` // fractional delta before reprice
	RestingInterval   time.Duration `json:"resting_interval"`  // TP maintenance period
	TickInterval      time.Duration `json:"tick_interval"`     // decision cycle period
	SnapshotInterval  time.Duration `json:"snapshot_interval"` // persistence period
	CommissionRate    float64       `json:"commission_rate"`   // paper-mode commission
}

// BrokerConfig identifies the broker gateway and its credentials.
type BrokerConfig struct {
	Exchange  string `json:"exchange"` // "bybit" or "paper"
	Category  string `json:"category"` // spot, linear
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
	Testnet   bool   `json:"testnet"`
	Demo      bool   `json:"demo"`
}

// JournalConfig holds trade journal settings.
type JournalConfig struct {
	Path string `json:"path"` // sqlite database path
}

// StateConfig holds persistence settings.
type StateConfig struct {
	Dir string `json:"dir"`
}

// Load reads a session configuration from a JSON file, applies defaults and
// validates it. Bare file names are resolved against the configs/ directory.
func Load(configFile string) (*SessionConfig, error) {
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}
	if !strings.HasSuffix(configFile, ".json") {
		configFile += ".json"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Credentials come from the environment, never from the config file.
	if key := os.Getenv("BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("BROKER_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with conservative defaults.
func (c *SessionConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.Safety.MaxPositionSizeFraction == 0 {
		c.Safety.MaxPositionSizeFraction = 0.30
	}
	if c.Safety.MaxDailyLossFraction == 0 {
		c.Safety.MaxDailyLossFraction = 0.05
	}
	if c.Safety.LossStreakLimit == 0 {
		c.Safety.LossStreakLimit = 3
	}
	if c.Safety.SymbolCooldown == 0 {
		c.Safety.SymbolCooldown = 30 * time.Minute
	}
	if c.Safety.GlobalCooldown == 0 {
		c.Safety.GlobalCooldown = time.Hour
	}
	if c.Safety.VolatilityThreshold == 0 {
		c.Safety.VolatilityThreshold = 0.08
	}
	if c.Safety.APIFailureLimit == 0 {
		c.Safety.APIFailureLimit = 5
	}
	if c.Risk.BaseRiskFraction == 0 {
		c.Risk.BaseRiskFraction = 0.10
	}
	if c.Risk.MaxPositionFraction == 0 {
		c.Risk.MaxPositionFraction = 0.25
	}
	if c.Risk.MinNotionalBuffer == 0 {
		c.Risk.MinNotionalBuffer = 1.1
	}
	if c.StopLoss.FixedPercent == 0 {
		c.StopLoss.FixedPercent = 0.05
	}
	if c.StopLoss.ATRMultiple == 0 {
		c.StopLoss.ATRMultiple = 2.0
	}
	if c.StopLoss.TrailingPercent == 0 {
		c.StopLoss.TrailingPercent = 0.05
	}
	if c.StopLoss.TimeTightenAfter == 0 {
		c.StopLoss.TimeTightenAfter = 48 * time.Hour
	}
	if c.StopLoss.TimeTightenOffset == 0 {
		c.StopLoss.TimeTightenOffset = 0.01
	}
	if c.StopLoss.VolMultiple == 0 {
		c.StopLoss.VolMultiple = 3.0
	}
	if c.StopLoss.MaxLossPercent == 0 {
		c.StopLoss.MaxLossPercent = 0.10
	}
	if c.Arbiter.BaseThreshold == 0 {
		c.Arbiter.BaseThreshold = 0.50
	}
	if c.Arbiter.ThresholdFloor == 0 {
		c.Arbiter.ThresholdFloor = 0.40
	}
	if c.Arbiter.ThresholdCeil == 0 {
		c.Arbiter.ThresholdCeil = 0.75
	}
	if c.Arbiter.MinPowerDiff == 0 {
		c.Arbiter.MinPowerDiff = 0.10
	}
	if c.Arbiter.StrongMargin == 0 {
		c.Arbiter.StrongMargin = 0.12
	}
	if c.Execution.TakeProfitPercent == 0 {
		c.Execution.TakeProfitPercent = 0.02
	}
	if c.Execution.SpreadMargin == 0 {
		c.Execution.SpreadMargin = 0.001
	}
	if c.Execution.RepriceThreshold == 0 {
		c.Execution.RepriceThreshold = 0.002
	}
	if c.Execution.RestingInterval == 0 {
		c.Execution.RestingInterval = time.Minute
	}
	if c.Execution.TickInterval == 0 {
		c.Execution.TickInterval = time.Minute
	}
	if c.Execution.SnapshotInterval == 0 {
		c.Execution.SnapshotInterval = 5 * time.Minute
	}
	if c.Execution.CommissionRate == 0 {
		c.Execution.CommissionRate = 0.001
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "paper"
	}
	if c.Broker.Category == "" {
		c.Broker.Category = "spot"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join("data", "journal.db")
	}
	if c.State.Dir == "" {
		c.State.Dir = filepath.Join("data", "state")
	}
}

// Validate rejects configurations that could not run safely.
func (c *SessionConfig) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Mode != "paper" && c.Mode != "real" {
		return fmt.Errorf("mode must be \"paper\" or \"real\", got %q", c.Mode)
	}
	if c.Risk.InitialBalance <= 0 {
		return fmt.Errorf("risk.initial_balance must be positive")
	}
	if c.Safety.MaxPositionSizeFraction <= 0 || c.Safety.MaxPositionSizeFraction > 1 {
		return fmt.Errorf("safety.max_position_size_fraction must be in (0, 1]")
	}
	if c.Safety.MaxDailyLossFraction <= 0 || c.Safety.MaxDailyLossFraction > 1 {
		return fmt.Errorf("safety.max_daily_loss_fraction must be in (0, 1]")
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0, 1]")
	}
	if c.Arbiter.ThresholdFloor > c.Arbiter.ThresholdCeil {
		return fmt.Errorf("arbiter.threshold_floor exceeds threshold_ceil")
	}
	if c.Mode == "real" && c.Broker.Exchange == "paper" {
		return fmt.Errorf("real mode requires a live broker gateway")
	}
	return nil
}

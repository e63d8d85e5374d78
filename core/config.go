package core

// config.go - ambient configuration loading for the reputation engine. A
// node operator supplies YAML under config/ (default.yaml plus an optional
// overlay named by Load's env argument, the --env flag of cmd/cvmd) plus a .env for secrets; viper merges both with environment variables
// taking final precedence, mirroring how the rest of this codebase wires
// its configuration.

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EngineConfig is the unified set of tunables for one reputation-engine node.
// The trust, dispute and eligibility defaults come from the corresponding
// subsystem's Default*Config constructor; the dos, network, logging and
// storage defaults are set in setConfigDefaults. Load only overrides what the
// operator sets.
type EngineConfig struct {
	Trust struct {
		MinBondFloor      uint64 `mapstructure:"min_bond_floor"`
		BondPerVotePoint  uint64 `mapstructure:"bond_per_vote_point"`
		MaxTrustPathDepth int    `mapstructure:"max_trust_path_depth"`
	} `mapstructure:"trust"`

	Dispute struct {
		ChallengerRewardPct     uint8  `mapstructure:"challenger_reward_pct"`
		DAOVoterRewardPct       uint8  `mapstructure:"dao_voter_reward_pct"`
		BurnPct                 uint8  `mapstructure:"burn_pct"`
		WronglyAccusedRewardPct uint8  `mapstructure:"wrongly_accused_reward_pct"`
		FailedChallengeBurnPct  uint8  `mapstructure:"failed_challenge_burn_pct"`
		CommitPhaseDuration     uint64 `mapstructure:"commit_phase_duration_blocks"`
		RevealPhaseDuration     uint64 `mapstructure:"reveal_phase_duration_blocks"`
		EnableCommitReveal      bool   `mapstructure:"enable_commit_reveal"`
	} `mapstructure:"dispute"`

	Eligibility struct {
		MinValidations           int     `mapstructure:"min_validations"`
		MinAccuracy              float64 `mapstructure:"min_accuracy"`
		MinFirstSeenAge          uint64  `mapstructure:"min_first_seen_age"`
		MinStakeAge              uint64  `mapstructure:"min_stake_age"`
		MinFundingSources        int     `mapstructure:"min_funding_sources"`
		SubnetShareThreshold     float64 `mapstructure:"subnet_share_threshold"`
		PeerOverlapThreshold     float64 `mapstructure:"peer_overlap_threshold"`
		SybilConfidenceThreshold float64 `mapstructure:"sybil_confidence_threshold"`
		DiversityNonWoTThreshold float64 `mapstructure:"diversity_non_wot_threshold"`
	} `mapstructure:"eligibility"`

	DoS struct {
		BaseFee uint64 `mapstructure:"base_fee"`
	} `mapstructure:"dos"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag"`
		Enabled        bool     `mapstructure:"enabled"`
	} `mapstructure:"network"`

	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Storage struct {
		DBPath string `mapstructure:"db_path"`
	} `mapstructure:"storage"`
}

// AppSettings holds the configuration loaded by Load. Package-level Init*
// calls throughout core read their defaults from it once loaded.
var AppSettings EngineConfig

// Load reads config/default.yaml, merges an optional config/<env>.yaml
// override, loads a .env file into the process environment if present, and
// finally lets environment variables win over both. A dispute reward split
// that does not sum to 100 within each branch is rejected. The populated
// EngineConfig is stored in AppSettings and returned.
func Load(env string) (*EngineConfig, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("cvm")
	viper.AutomaticEnv()

	setConfigDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read default config: %w", err)
		}
	}
	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: merge %s config: %w", env, err)
			}
		}
	}

	if err := viper.Unmarshal(&AppSettings); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := WoTDisputeConfigFromApp().Validate(); err != nil {
		return nil, fmt.Errorf("config: dispute: %w", err)
	}
	return &AppSettings, nil
}

func setConfigDefaults() {
	trust := DefaultTrustGraphConfig()
	viper.SetDefault("trust.min_bond_floor", trust.MinBondFloor)
	viper.SetDefault("trust.bond_per_vote_point", trust.BondPerVotePoint)
	viper.SetDefault("trust.max_trust_path_depth", trust.MaxTrustPathDepth)

	disp := DefaultWoTDisputeConfig()
	viper.SetDefault("dispute.challenger_reward_pct", disp.ChallengerRewardPct)
	viper.SetDefault("dispute.dao_voter_reward_pct", disp.DAOVoterRewardPct)
	viper.SetDefault("dispute.burn_pct", disp.BurnPct)
	viper.SetDefault("dispute.wrongly_accused_reward_pct", disp.WronglyAccusedRewardPct)
	viper.SetDefault("dispute.failed_challenge_burn_pct", disp.FailedChallengeBurnPct)
	viper.SetDefault("dispute.commit_phase_duration_blocks", disp.CommitPhaseDuration)
	viper.SetDefault("dispute.reveal_phase_duration_blocks", disp.RevealPhaseDuration)
	viper.SetDefault("dispute.enable_commit_reveal", disp.EnableCommitReveal)

	elig := DefaultEligibilityConfig()
	viper.SetDefault("eligibility.min_validations", elig.MinValidations)
	viper.SetDefault("eligibility.min_accuracy", elig.MinAccuracy)
	viper.SetDefault("eligibility.min_first_seen_age", elig.MinFirstSeenAge)
	viper.SetDefault("eligibility.min_stake_age", elig.MinStakeAge)
	viper.SetDefault("eligibility.min_funding_sources", elig.MinFundingSources)
	viper.SetDefault("eligibility.subnet_share_threshold", elig.SubnetShareThreshold)
	viper.SetDefault("eligibility.peer_overlap_threshold", elig.PeerOverlapThreshold)
	viper.SetDefault("eligibility.sybil_confidence_threshold", elig.SybilConfidenceThreshold)
	viper.SetDefault("eligibility.diversity_non_wot_threshold", elig.DiversityNonWoTThreshold)

	viper.SetDefault("dos.base_fee", 1)
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/4001")
	viper.SetDefault("network.discovery_tag", "cvm-reputation-engine")
	viper.SetDefault("network.enabled", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")
	viper.SetDefault("storage.db_path", "data/cvm.db")
}

// TrustGraphConfigFromApp builds a TrustGraphConfig from the currently
// loaded AppSettings, falling back to DefaultTrustGraphConfig for any zero
// Config (Load was never called).
func TrustGraphConfigFromApp() TrustGraphConfig {
	t := AppSettings.Trust
	if t.MinBondFloor == 0 && t.MaxTrustPathDepth == 0 {
		return DefaultTrustGraphConfig()
	}
	return TrustGraphConfig{
		MinBondFloor:      t.MinBondFloor,
		BondPerVotePoint:  t.BondPerVotePoint,
		MaxTrustPathDepth: t.MaxTrustPathDepth,
	}
}

// EligibilityConfigFromApp builds an EligibilityConfig from the currently
// loaded AppSettings, falling back to DefaultEligibilityConfig for any zero
// Config (Load was never called).
func EligibilityConfigFromApp() EligibilityConfig {
	e := AppSettings.Eligibility
	if e.MinValidations == 0 {
		return DefaultEligibilityConfig()
	}
	return EligibilityConfig{
		MinValidations:           uint64(e.MinValidations),
		MinAccuracy:              e.MinAccuracy,
		MinFirstSeenAge:          e.MinFirstSeenAge,
		MinStakeAge:              e.MinStakeAge,
		MinFundingSources:        e.MinFundingSources,
		SubnetShareThreshold:     e.SubnetShareThreshold,
		PeerOverlapThreshold:     e.PeerOverlapThreshold,
		SybilConfidenceThreshold: e.SybilConfidenceThreshold,
		DiversityNonWoTThreshold: e.DiversityNonWoTThreshold,
		MaxPenaltyPoints:         DefaultEligibilityConfig().MaxPenaltyPoints,
	}
}

// NetworkConfigFromApp builds the P2P node Config from AppSettings.
func NetworkConfigFromApp() Config {
	n := AppSettings.Network
	tag := n.DiscoveryTag
	if tag == "" {
		tag = "cvm-reputation-engine"
	}
	addr := n.ListenAddr
	if addr == "" {
		addr = "/ip4/0.0.0.0/tcp/4001"
	}
	return Config{ListenAddr: addr, BootstrapPeers: n.BootstrapPeers, DiscoveryTag: tag}
}

// WoTDisputeConfigFromApp builds a WoTDisputeConfig from AppSettings, falling
// back to DefaultWoTDisputeConfig when Load was never called.
func WoTDisputeConfigFromApp() WoTDisputeConfig {
	d := AppSettings.Dispute
	if d.ChallengerRewardPct == 0 {
		return DefaultWoTDisputeConfig()
	}
	return WoTDisputeConfig{
		ChallengerRewardPct:     d.ChallengerRewardPct,
		DAOVoterRewardPct:       d.DAOVoterRewardPct,
		BurnPct:                 d.BurnPct,
		WronglyAccusedRewardPct: d.WronglyAccusedRewardPct,
		FailedChallengeBurnPct:  d.FailedChallengeBurnPct,
		CommitPhaseDuration:     d.CommitPhaseDuration,
		RevealPhaseDuration:     d.RevealPhaseDuration,
		EnableCommitReveal:      d.EnableCommitReveal,
	}
}

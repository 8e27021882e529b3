package model

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var ErrConfig = errors.New("configuration error")

const (
	// DefaultLeaseTimeout must exceed the slowest legitimate job - full
	// subnet sweeps on congested networks run into tens of minutes.
	DefaultLeaseTimeout = 30 * time.Minute

	DefaultZombieSweepInterval = 5 * time.Minute
	DefaultLivenessWindow      = 5 * time.Minute
	DefaultPromotionWindow     = 24 * time.Hour
	DefaultStaleAssetThreshold = 168 * time.Hour
	DefaultCacheTTL            = 7 * 24 * time.Hour
	DefaultStaleSweepInterval  = time.Hour
)

// DefaultAtRiskPorts is the denylist of legacy remote-access and
// file-sharing service ports that mark an asset at risk when exposed.
var DefaultAtRiskPorts = []int{23, 445, 3389}

// Config holds application configuration read from a YAML file or set
// by env variables.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Config struct {
	// File is the configuration file path
	File string
	// LogLevel is the app verbose logging level.
	LogLevel int

	// AppKind is the application kind - server / sweeper
	AppKind AppKind `mapstructure:"app_kind"`

	// StoreKind selects the entity store backend - one of mem OR sqlite.
	StoreKind string `mapstructure:"store_kind"`

	// SqliteFile is the sqlite database path when StoreKind is sqlite.
	SqliteFile string `mapstructure:"sqlite_file"`

	// LeaseTimeout is the age past which an acknowledged, uncompleted
	// job is reclaimed as a zombie.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`

	// ZombieSweepInterval is how often the reclamation sweep runs,
	// independent of LeaseTimeout.
	ZombieSweepInterval time.Duration `mapstructure:"zombie_sweep_interval"`

	// LivenessWindow is the heartbeat recency within which an agent is
	// derived online.
	LivenessWindow time.Duration `mapstructure:"liveness_window"`

	// PromotionWindow is the age past which a new asset is promoted to
	// stable even if observed only once.
	PromotionWindow time.Duration `mapstructure:"promotion_window"`

	// StaleAssetThreshold marks assets gone when not seen within it.
	StaleAssetThreshold time.Duration `mapstructure:"stale_asset_threshold"`
	StaleSweepInterval  time.Duration `mapstructure:"stale_sweep_interval"`

	// CacheTTL bounds the age of cached per-platform vulnerability data.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// AtRiskPorts is the open-service denylist for the at-risk predicate.
	AtRiskPorts []int `mapstructure:"at_risk_ports"`

	// MinAgentVersion is the minimum agent version below which an agent
	// is derived outdated. Empty disables the check.
	MinAgentVersion string `mapstructure:"min_agent_version"`

	// NatsURL enables transition event publishing when set.
	NatsURL string `mapstructure:"nats_url"`

	Nvd NvdProvider `mapstructure:"nvd"`
}

// NvdProvider is the external vulnerability-data provider endpoint.
type NvdProvider struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

func (c *Config) Load(cfgFile string) error {
	c.setDefaults()

	if cfgFile != "" {
		c.File = cfgFile
	} else {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		c.File = homedir + "/" + ".tower.yml"
	}

	h, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer h.Close()

	viper.SetConfigFile(c.File)
	viper.SetEnvPrefix("tower")
	viper.AutomaticEnv()

	if errViper := viper.ReadConfig(h); errViper != nil {
		return errors.Wrap(errViper, c.File)
	}

	if err = viper.Unmarshal(c); err != nil {
		return errors.Wrap(err, c.File)
	}

	return c.validate()
}

func (c *Config) setDefaults() {
	c.StoreKind = StoreKindSqlite
	c.SqliteFile = "tower.db"
	c.LeaseTimeout = DefaultLeaseTimeout
	c.ZombieSweepInterval = DefaultZombieSweepInterval
	c.LivenessWindow = DefaultLivenessWindow
	c.PromotionWindow = DefaultPromotionWindow
	c.StaleAssetThreshold = DefaultStaleAssetThreshold
	c.StaleSweepInterval = DefaultStaleSweepInterval
	c.CacheTTL = DefaultCacheTTL
	c.AtRiskPorts = DefaultAtRiskPorts
}

func (c *Config) validate() error {
	switch c.StoreKind {
	case StoreKindMem:
	case StoreKindSqlite:
		if c.SqliteFile == "" {
			return errors.Wrap(ErrConfig, "sqlite store requires sqlite_file")
		}
	default:
		return errors.Wrap(ErrConfig, "unknown store kind: "+c.StoreKind)
	}

	if c.LeaseTimeout <= c.ZombieSweepInterval {
		return errors.Wrap(ErrConfig, "lease_timeout must exceed zombie_sweep_interval")
	}

	return nil
}

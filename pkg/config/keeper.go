package config

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	QdbTypeMem  = "mem"
	QdbTypeEtcd = "etcd"
)

var cfgKeeper Keeper

type Keeper struct {
	LogLevel         string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile          string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogging    bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`
	QdbType          string `json:"qdb_type" toml:"qdb_type" yaml:"qdb_type"`
	QdbAddr          string `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	MemqdbBackupPath string `json:"memqdb_backup_path" toml:"memqdb_backup_path" yaml:"memqdb_backup_path"`
	HttpAddr         string `json:"http_addr" toml:"http_addr" yaml:"http_addr"`

	Shards       []ShardCfg      `json:"shards" toml:"shards" yaml:"shards"`
	RangeDeleter RangeDeleterCfg `json:"range_deleter" toml:"range_deleter" yaml:"range_deleter"`
	Migration    MigrationCfg    `json:"migration" toml:"migration" yaml:"migration"`
	Ownership    OwnershipCfg    `json:"ownership" toml:"ownership" yaml:"ownership"`
}

// ShardCfg describes one shard node. An empty DataDir keeps the shard in memory.
type ShardCfg struct {
	ID      string `json:"id" toml:"id" yaml:"id"`
	DataDir string `json:"data_dir" toml:"data_dir" yaml:"data_dir"`
}

type RangeDeleterCfg struct {
	Workers            int           `json:"workers" toml:"workers" yaml:"workers"`
	BatchSize          int           `json:"batch_size" toml:"batch_size" yaml:"batch_size"`
	BatchDelay         time.Duration `json:"batch_delay" toml:"batch_delay" yaml:"batch_delay"`
	OrphanCleanupDelay time.Duration `json:"orphan_cleanup_delay" toml:"orphan_cleanup_delay" yaml:"orphan_cleanup_delay"`
	ReceiveWaitTimeout time.Duration `json:"receive_wait_timeout" toml:"receive_wait_timeout" yaml:"receive_wait_timeout"`
}

type MigrationCfg struct {
	CloneBatchSize      int           `json:"clone_batch_size" toml:"clone_batch_size" yaml:"clone_batch_size"`
	CatchUpThreshold    int           `json:"catch_up_threshold" toml:"catch_up_threshold" yaml:"catch_up_threshold"`
	CatchUpTimeout      time.Duration `json:"catch_up_timeout" toml:"catch_up_timeout" yaml:"catch_up_timeout"`
	MaxRetries          uint64        `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay" toml:"retry_base_delay" yaml:"retry_base_delay"`
	BalancerMaxAttempts uint64        `json:"balancer_max_attempts" toml:"balancer_max_attempts" yaml:"balancer_max_attempts"`
	RecentOutcomes      int           `json:"recent_outcomes" toml:"recent_outcomes" yaml:"recent_outcomes"`
}

type OwnershipCfg struct {
	CachedNamespaces int `json:"cached_namespaces" toml:"cached_namespaces" yaml:"cached_namespaces"`
}

// LoadKeeperCfg loads the configuration from cfgPath, fills in defaults and
// returns the resulting config as JSON.
func LoadKeeperCfg(cfgPath string) (string, error) {
	var kcfg Keeper
	file, err := os.Open(cfgPath)
	if err != nil {
		return "", err
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Fatalf("failed to close config file: %v", err)
		}
	}(file)

	if err := initConfig(file, &kcfg); err != nil {
		return "", err
	}
	kcfg.setDefaults()
	if err := kcfg.Validate(); err != nil {
		return "", err
	}
	cfgKeeper = kcfg

	configBytes, err := json.MarshalIndent(&cfgKeeper, "", "  ")
	if err != nil {
		return "", err
	}
	return string(configBytes), nil
}

// KeeperConfig returns the loaded configuration.
func KeeperConfig() *Keeper {
	return &cfgKeeper
}

// Default returns a single in-memory shard setup.
func Default() Keeper {
	k := Keeper{Shards: []ShardCfg{{ID: "shard1"}}}
	k.setDefaults()
	return k
}

func (k *Keeper) setDefaults() {
	if k.LogLevel == "" {
		k.LogLevel = "info"
	}
	if k.QdbType == "" {
		k.QdbType = QdbTypeMem
	}
	if k.HttpAddr == "" {
		k.HttpAddr = "localhost:7010"
	}

	if k.RangeDeleter.Workers == 0 {
		k.RangeDeleter.Workers = 1
	}
	if k.RangeDeleter.BatchSize == 0 {
		k.RangeDeleter.BatchSize = 128
	}
	if k.RangeDeleter.OrphanCleanupDelay == 0 {
		k.RangeDeleter.OrphanCleanupDelay = 15 * time.Minute
	}
	if k.RangeDeleter.ReceiveWaitTimeout == 0 {
		k.RangeDeleter.ReceiveWaitTimeout = 10 * time.Minute
	}

	if k.Migration.CloneBatchSize == 0 {
		k.Migration.CloneBatchSize = 256
	}
	if k.Migration.CatchUpTimeout == 0 {
		k.Migration.CatchUpTimeout = time.Minute
	}
	if k.Migration.MaxRetries == 0 {
		k.Migration.MaxRetries = 5
	}
	if k.Migration.RetryBaseDelay == 0 {
		k.Migration.RetryBaseDelay = 100 * time.Millisecond
	}
	if k.Migration.BalancerMaxAttempts == 0 {
		k.Migration.BalancerMaxAttempts = 3
	}
	if k.Migration.RecentOutcomes == 0 {
		k.Migration.RecentOutcomes = 128
	}

	if k.Ownership.CachedNamespaces == 0 {
		k.Ownership.CachedNamespaces = 1024
	}
}

// Validate checks what defaults cannot fix.
func (k *Keeper) Validate() error {
	switch k.QdbType {
	case QdbTypeMem:
	case QdbTypeEtcd:
		if k.QdbAddr == "" {
			return errors.New("qdb_addr is required for etcd qdb")
		}
	default:
		return errors.Errorf("unknown qdb_type %q", k.QdbType)
	}
	if len(k.Shards) == 0 {
		return errors.New("at least one shard is required")
	}
	seen := map[string]bool{}
	for _, s := range k.Shards {
		if s.ID == "" {
			return errors.New("shard id must not be empty")
		}
		if seen[s.ID] {
			return errors.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

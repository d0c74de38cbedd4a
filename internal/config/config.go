// Package config loads the replica configuration.
//
// Configuration comes from three layers, later ones winning: built-in
// defaults, a YAML file, and REPLICA_* environment variables (optionally
// read from a .env file first).
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/coordinator"
	"github.com/roach88/replica/internal/ir"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REPLICA_"

// Config is the replica configuration file.
type Config struct {
	Store  StoreConfig  `yaml:"store" json:"store"`
	Schema SchemaConfig `yaml:"schema" json:"schema"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Peer   PeerConfig   `yaml:"peer" json:"peer"`
	Redis  RedisConfig  `yaml:"redis" json:"redis"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path" jsonschema:"description=SQLite database file"`
}

// SchemaConfig locates the CUE entity descriptors.
type SchemaConfig struct {
	Dir string `yaml:"dir" json:"dir,omitempty" jsonschema:"description=Directory of CUE entity descriptors"`
}

// SyncConfig mirrors coordinator.Policy with millisecond durations.
type SyncConfig struct {
	DebounceMs                 int64 `yaml:"debounceMs" json:"debounceMs"`
	IdleThresholdMs            int64 `yaml:"idleThresholdMs" json:"idleThresholdMs"`
	IdleCheckIntervalMs        int64 `yaml:"idleCheckIntervalMs" json:"idleCheckIntervalMs"`
	BatchIntervalMs            int64 `yaml:"batchIntervalMs" json:"batchIntervalMs"`
	MaxBatchSize               int   `yaml:"maxBatchSize" json:"maxBatchSize"`
	RetentionDays              int   `yaml:"retentionDays" json:"retentionDays"`
	MinChangesToKeep           int   `yaml:"minChangesToKeep" json:"minChangesToKeep"`
	CompactAfterSync           bool  `yaml:"compactAfterSync" json:"compactAfterSync"`
	ScheduledCleanupIntervalMs int64 `yaml:"scheduledCleanupIntervalMs" json:"scheduledCleanupIntervalMs"`
	RespectPeerWatermarks      bool  `yaml:"respectPeerWatermarks" json:"respectPeerWatermarks"`
	MaxBackoffMs               int64 `yaml:"maxBackoffMs" json:"maxBackoffMs"`
}

// PeerConfig configures the HTTP peer transport.
type PeerConfig struct {
	Listen        string   `yaml:"listen" json:"listen,omitempty" jsonschema:"description=Address the peer server listens on"`
	Peers         []string `yaml:"peers" json:"peers,omitempty" jsonschema:"description=Base URLs of peer replicas"`
	Secret        string   `yaml:"secret" json:"secret,omitempty" jsonschema:"description=Shared secret for peer tokens"`
	RatePerSecond float64  `yaml:"ratePerSecond" json:"ratePerSecond"`
	Burst         int      `yaml:"burst" json:"burst"`
	DedupTTLMs    int64    `yaml:"dedupTtlMs" json:"dedupTtlMs"`
}

// Enabled reports whether the HTTP transport is configured.
func (p PeerConfig) Enabled() bool {
	return p.Listen != "" || len(p.Peers) > 0
}

// RedisConfig configures the Redis relay transport.
type RedisConfig struct {
	Addr     string   `yaml:"addr" json:"addr,omitempty"`
	Password string   `yaml:"password" json:"password,omitempty"`
	DB       int      `yaml:"db" json:"db"`
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Peers    []string `yaml:"peers" json:"peers,omitempty" jsonschema:"description=Site ids of peer replicas"`
}

// Enabled reports whether the Redis relay is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// PeerSites parses Peers.
func (r RedisConfig) PeerSites() ([]ir.SiteID, error) {
	out := make([]ir.SiteID, 0, len(r.Peers))
	for _, p := range r.Peers {
		id, err := ir.ParseSiteID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" json:"format" jsonschema:"enum=text,enum=json"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := coordinator.DefaultPolicy()
	return Config{
		Store: StoreConfig{Path: "replica.db"},
		Sync: SyncConfig{
			DebounceMs:                 p.Debounce.Milliseconds(),
			IdleThresholdMs:            p.IdleThreshold.Milliseconds(),
			IdleCheckIntervalMs:        p.IdleCheckInterval.Milliseconds(),
			BatchIntervalMs:            p.BatchInterval.Milliseconds(),
			MaxBatchSize:               p.MaxBatchSize,
			RetentionDays:              p.RetentionDays,
			MinChangesToKeep:           p.MinChangesToKeep,
			CompactAfterSync:           p.CompactAfterSync,
			ScheduledCleanupIntervalMs: p.ScheduledCleanupInterval.Milliseconds(),
			RespectPeerWatermarks:      p.RespectPeerWatermarks,
			MaxBackoffMs:               (5 * time.Minute).Milliseconds(),
		},
		Peer: PeerConfig{
			RatePerSecond: 5,
			Burst:         20,
			DedupTTLMs:    (30 * time.Minute).Milliseconds(),
		},
		Redis: RedisConfig{Prefix: "replica"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// LoadEnv reads .env files into the process environment. Missing files
// are ignored; variables already set are not overwritten.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it. Relative
// paths inside the file are resolved against the file's directory.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
		base := filepath.Dir(path)
		c.Store.Path = resolve(base, c.Store.Path)
		c.Schema.Dir = resolve(base, c.Schema.Dir)
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// applyEnv applies REPLICA_* overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	num := func(key string, dst *int) {
		n := int64(*dst)
		i64(key, &n)
		*dst = int(n)
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("STORE_PATH", &c.Store.Path)
	str("SCHEMA_DIR", &c.Schema.Dir)

	i64("SYNC_DEBOUNCE_MS", &c.Sync.DebounceMs)
	i64("SYNC_IDLE_THRESHOLD_MS", &c.Sync.IdleThresholdMs)
	i64("SYNC_BATCH_INTERVAL_MS", &c.Sync.BatchIntervalMs)
	num("SYNC_MAX_BATCH_SIZE", &c.Sync.MaxBatchSize)
	num("SYNC_RETENTION_DAYS", &c.Sync.RetentionDays)
	num("SYNC_MIN_CHANGES_TO_KEEP", &c.Sync.MinChangesToKeep)
	flag("SYNC_COMPACT_AFTER_SYNC", &c.Sync.CompactAfterSync)
	i64("SYNC_SCHEDULED_CLEANUP_INTERVAL_MS", &c.Sync.ScheduledCleanupIntervalMs)

	str("PEER_LISTEN", &c.Peer.Listen)
	list("PEER_PEERS", &c.Peer.Peers)
	str("PEER_SECRET", &c.Peer.Secret)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	list("REDIS_PEERS", &c.Redis.Peers)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if c.Peer.Enabled() {
		if c.Peer.Secret == "" {
			errs = append(errs, errors.New("peer.secret is required when peers are configured"))
		}
		if c.Peer.RatePerSecond <= 0 || c.Peer.Burst <= 0 {
			errs = append(errs, errors.New("peer.ratePerSecond and peer.burst must be positive"))
		}
	}
	if _, err := c.Redis.PeerSites(); err != nil {
		errs = append(errs, fmt.Errorf("redis.peers: %w", err))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}

// Policy converts the sync block.
func (c Config) Policy() coordinator.Policy {
	ms := func(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
	s := c.Sync
	return coordinator.Policy{
		Debounce:                 ms(s.DebounceMs),
		IdleThreshold:            ms(s.IdleThresholdMs),
		IdleCheckInterval:        ms(s.IdleCheckIntervalMs),
		BatchInterval:            ms(s.BatchIntervalMs),
		MaxBatchSize:             s.MaxBatchSize,
		RetentionDays:            s.RetentionDays,
		MinChangesToKeep:         s.MinChangesToKeep,
		CompactAfterSync:         s.CompactAfterSync,
		ScheduledCleanupInterval: ms(s.ScheduledCleanupIntervalMs),
		RespectPeerWatermarks:    s.RespectPeerWatermarks,
		MaxBackoff:               ms(s.MaxBackoffMs),
	}
}

// DedupTTL returns the peer dedupe window.
func (p PeerConfig) DedupTTL() time.Duration {
	return time.Duration(p.DedupTTLMs) * time.Millisecond
}

// JSONSchema returns the JSON Schema of the configuration file.
func JSONSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true, RequiredFromJSONSchemaTags: true}
	s := r.Reflect(&Config{})
	s.Title = "replica configuration"
	return json.MarshalIndent(s, "", "  ")
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

const (
	// ModeDirector anchors the relay layer and forwards messages between
	// validators.
	ModeDirector = string(types.RoleDirector)
	// ModeValidator signs checkpoint votes.
	ModeValidator = string(types.RoleValidator)
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultCheckpointDir = ".checkpointbft"
	defaultConfigDir     = "config"
	defaultDataDir       = "data"

	defaultConfigFileName       = "config.toml"
	defaultAuthoritySetFileName = "authority_set.json"
	defaultNodeKeyName          = "node_key.json"

	defaultConfigFilePath   = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultAuthoritySetPath = filepath.Join(defaultConfigDir, defaultAuthoritySetFileName)
	defaultNodeKeyPath      = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config defines the top level configuration for a checkpoint finality node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Relay           *RelayConfig           `mapstructure:"relay"`
	Finality        *FinalityConfig        `mapstructure:"finality"`
	Storage         *StorageConfig         `mapstructure:"storage"`
	Bridge          *BridgeConfig          `mapstructure:"bridge"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Relay:           DefaultRelayConfig(),
		Finality:        DefaultFinalityConfig(),
		Storage:         DefaultStorageConfig(),
		Bridge:          DefaultBridgeConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		Relay:           TestRelayConfig(),
		Finality:        TestFinalityConfig(),
		Storage:         TestStorageConfig(),
		Bridge:          TestBridgeConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	if err := cfg.Relay.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [relay] section: %w", err)
	}
	if err := cfg.Finality.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [finality] section: %w", err)
	}
	if err := cfg.Storage.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [storage] section: %w", err)
	}
	if err := cfg.Bridge.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [bridge] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Network identifier. Peers on a different network are rejected during
	// the handshake.
	Network string `mapstructure:"network"`

	// Mode of the node: director | validator
	Mode string `mapstructure:"mode"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the JSON file containing the authority set the node starts with
	AuthoritySet string `mapstructure:"authority_set_file"`

	// A JSON file containing the private key used for peer authentication
	// and vote signing
	NodeKey string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:      defaultMoniker,
		Network:      "checkpoint-mainnet",
		Mode:         ModeValidator,
		AuthoritySet: defaultAuthoritySetPath,
		NodeKey:      defaultNodeKeyPath,
		LogLevel:     log.LogLevelInfo,
		LogFormat:    log.LogFormatPlain,
		DBBackend:    "goleveldb",
		DBPath:       defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Network = "checkpoint-test"
	cfg.DBBackend = "memdb"
	return cfg
}

// AuthoritySetFile returns the full path to the authority_set.json file
func (cfg BaseConfig) AuthoritySetFile() string {
	return rootify(cfg.AuthoritySet, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.Mode {
	case ModeDirector, ModeValidator:
	default:
		return fmt.Errorf("unknown mode %q (must be 'director' or 'validator')", cfg.Mode)
	}
	if cfg.Network == "" {
		return errors.New("network can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer transport
type P2PConfig struct { //nolint: maligned
	// This field must be set to a valid absolute path.
	RootDir string `mapstructure:"home"`

	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`

	// Address to advertise to peers for them to dial
	// If empty, will use the same port as the laddr,
	// and will introspect on the listener or use UPnP
	// to figure out the address.
	ExternalAddress string `mapstructure:"external_address"`

	// Comma separated list of nodes to keep persistent connections to
	// (id@host:port).
	PersistentPeers string `mapstructure:"persistent_peers"`

	// Comma separated list of director peer IDs. Messages are relayed
	// through directors.
	Directors string `mapstructure:"directors"`

	// Maximum number of inbound connections
	MaxIncomingConnections int `mapstructure:"max_incoming_connections"`

	// Capacity of each peer's outbound message queue. A full queue makes
	// sends fail instead of blocking.
	SendQueueSize int `mapstructure:"send_queue_size"`

	// Capacity of the inbound message queue shared by all peers.
	InboundQueueSize int `mapstructure:"inbound_queue_size"`

	// Peer connection configuration.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`

	// Interval between keep-alive pings, and the silence after which a peer
	// is evicted.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PeerTimeout  time.Duration `mapstructure:"peer_timeout"`

	// Dial retry policy: exponential backoff with jitter starting at
	// DialBackoffBase, capped at DialBackoffMax, for at most DialMaxAttempts
	// attempts after which the peer is marked unreachable.
	DialMaxAttempts int           `mapstructure:"dial_max_attempts"`
	DialBackoffBase time.Duration `mapstructure:"dial_backoff_base"`
	DialBackoffMax  time.Duration `mapstructure:"dial_backoff_max"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:          "tcp://0.0.0.0:26656",
		ExternalAddress:        "",
		MaxIncomingConnections: 64,
		SendQueueSize:          256,
		InboundQueueSize:       1024,
		HandshakeTimeout:       20 * time.Second,
		DialTimeout:            3 * time.Second,
		PingInterval:           10 * time.Second,
		PeerTimeout:            60 * time.Second,
		DialMaxAttempts:        10,
		DialBackoffBase:        500 * time.Millisecond,
		DialBackoffMax:         30 * time.Second,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:36656"
	cfg.HandshakeTimeout = time.Second
	cfg.DialTimeout = time.Second
	cfg.PingInterval = 100 * time.Millisecond
	cfg.PeerTimeout = time.Second
	cfg.DialMaxAttempts = 3
	cfg.DialBackoffBase = 10 * time.Millisecond
	cfg.DialBackoffMax = 50 * time.Millisecond
	return cfg
}

// PersistentPeerList splits PersistentPeers into individual addresses.
func (cfg *P2PConfig) PersistentPeerList() []string {
	return splitAndTrimEmpty(cfg.PersistentPeers, ",", " ")
}

// DirectorList splits Directors into individual peer IDs.
func (cfg *P2PConfig) DirectorList() ([]types.PeerID, error) {
	ids := splitAndTrimEmpty(cfg.Directors, ",", " ")
	out := make([]types.PeerID, 0, len(ids))
	for _, s := range ids {
		id, err := types.NewPeerID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid director %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MaxIncomingConnections < 0 {
		return errors.New("max_incoming_connections can't be negative")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("send_queue_size must be positive")
	}
	if cfg.InboundQueueSize <= 0 {
		return errors.New("inbound_queue_size must be positive")
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	if cfg.PingInterval <= 0 {
		return errors.New("ping_interval must be positive")
	}
	if cfg.PeerTimeout <= cfg.PingInterval {
		return errors.New("peer_timeout must be greater than ping_interval")
	}
	if cfg.DialMaxAttempts <= 0 {
		return errors.New("dial_max_attempts must be positive")
	}
	if cfg.DialBackoffBase <= 0 || cfg.DialBackoffMax < cfg.DialBackoffBase {
		return errors.New("dial_backoff_max must be at least dial_backoff_base, which must be positive")
	}
	if _, err := cfg.DirectorList(); err != nil {
		return err
	}
	return nil
}

//-----------------------------------------------------------------------------
// RelayConfig

// RelayConfig configures message forwarding between peers.
type RelayConfig struct {
	// Maximum number of message digests remembered for duplicate suppression.
	SeenCacheSize int `mapstructure:"seen_cache_size"`

	// How long a message digest is remembered.
	SeenTTL time.Duration `mapstructure:"seen_ttl"`

	// Upper bound on delivering a relayed message to a single peer.
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	// Number of workers sending relayed messages.
	Workers int `mapstructure:"workers"`

	// Drop messages from senders that are neither directors nor validators
	// authorized by a director.
	RequireAuthorization bool `mapstructure:"require_authorization"`

	// Maximum number of validators a single director may authorize.
	MaxValidatorsPerDirector int `mapstructure:"max_validators_per_director"`
}

// DefaultRelayConfig returns a default relay configuration.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		SeenCacheSize:            100000,
		SeenTTL:                  2 * time.Minute,
		SendTimeout:              2 * time.Second,
		Workers:                  16,
		RequireAuthorization:     false,
		MaxValidatorsPerDirector: 100,
	}
}

// TestRelayConfig returns a relay configuration for testing.
func TestRelayConfig() *RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.SeenCacheSize = 1000
	cfg.SendTimeout = 200 * time.Millisecond
	cfg.Workers = 4
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *RelayConfig) ValidateBasic() error {
	if cfg.SeenCacheSize <= 0 {
		return errors.New("seen_cache_size must be positive")
	}
	if cfg.SeenTTL <= 0 {
		return errors.New("seen_ttl must be positive")
	}
	if cfg.SendTimeout <= 0 {
		return errors.New("send_timeout must be positive")
	}
	if cfg.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if cfg.MaxValidatorsPerDirector <= 0 {
		return errors.New("max_validators_per_director must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// FinalityConfig

// FinalityConfig configures the checkpoint finality gadget.
type FinalityConfig struct {
	// Checkpoint number considered finalized before any certificate exists.
	GenesisCheckpoint uint64 `mapstructure:"genesis_checkpoint"`

	// Number of finalized certificates kept in memory for subscribers.
	CertificateCacheSize int `mapstructure:"certificate_cache_size"`
}

// DefaultFinalityConfig returns a default finality configuration.
func DefaultFinalityConfig() *FinalityConfig {
	return &FinalityConfig{
		GenesisCheckpoint:    0,
		CertificateCacheSize: 1000,
	}
}

// TestFinalityConfig returns a finality configuration for testing.
func TestFinalityConfig() *FinalityConfig {
	return DefaultFinalityConfig()
}

// ValidateBasic performs basic validation.
func (cfg *FinalityConfig) ValidateBasic() error {
	if cfg.CertificateCacheSize <= 0 {
		return errors.New("certificate_cache_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// StorageConfig

// StorageConfig configures checkpoint persistence.
type StorageConfig struct {
	// When false, finality state lives only in memory.
	Enabled bool `mapstructure:"enabled"`

	// Number of finalized checkpoints retained below the last finalized one.
	Retention uint64 `mapstructure:"retention"`

	// Number of recent certificates replayed on startup.
	RestoreCertificates int `mapstructure:"restore_certificates"`

	// How often buffered writes are retried.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// How often checkpoints beyond the retention window are pruned.
	PruneInterval time.Duration `mapstructure:"prune_interval"`

	// Number of consecutive failed flushes after which persistence reports
	// degraded mode.
	DegradedThreshold int `mapstructure:"degraded_threshold"`
}

// DefaultStorageConfig returns a default storage configuration.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Enabled:             true,
		Retention:           1000,
		RestoreCertificates: 100,
		FlushInterval:       10 * time.Second,
		PruneInterval:       300 * time.Second,
		DegradedThreshold:   3,
	}
}

// TestStorageConfig returns a storage configuration for testing.
func TestStorageConfig() *StorageConfig {
	cfg := DefaultStorageConfig()
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.PruneInterval = time.Second
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *StorageConfig) ValidateBasic() error {
	if cfg.Retention == 0 {
		return errors.New("retention must be positive")
	}
	if cfg.RestoreCertificates <= 0 {
		return errors.New("restore_certificates must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return errors.New("flush_interval must be positive")
	}
	if cfg.PruneInterval <= 0 {
		return errors.New("prune_interval must be positive")
	}
	if cfg.DegradedThreshold <= 0 {
		return errors.New("degraded_threshold must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BridgeConfig

// BridgeConfig configures the adapter between the network and the finality
// gadget.
type BridgeConfig struct {
	// Interval at which queued inbound messages are delivered to the gadget.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// Maximum number of queued inbound messages. Further messages are
	// dropped until the next tick.
	QueueSize int `mapstructure:"queue_size"`

	// Outbound retry policy. Delays double after each attempt.
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`

	// Consecutive outbound failures after which the circuit breaker opens,
	// and how long it stays open.
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `mapstructure:"breaker_open_timeout"`
}

// DefaultBridgeConfig returns a default bridge configuration.
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		TickInterval:            100 * time.Millisecond,
		QueueSize:               10000,
		RetryMaxAttempts:        5,
		RetryInitialDelay:       100 * time.Millisecond,
		RetryMaxDelay:           10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// TestBridgeConfig returns a bridge configuration for testing.
func TestBridgeConfig() *BridgeConfig {
	cfg := DefaultBridgeConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	cfg.BreakerOpenTimeout = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *BridgeConfig) ValidateBasic() error {
	if cfg.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("queue_size must be positive")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return errors.New("retry_max_attempts must be positive")
	}
	if cfg.RetryInitialDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		return errors.New("retry_max_delay must be at least retry_initial_delay, which must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return errors.New("breaker_failure_threshold must be positive")
	}
	if cfg.BreakerOpenTimeout <= 0 {
		return errors.New("breaker_open_timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "checkpointbft",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns
// a slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Empty strings are dropped.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}

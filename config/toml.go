package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	tmos "github.com/tendermint/checkpointbft/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/checkpointd/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return writeFile(path, buffer.Bytes(), 0644)
}

// ConfigFilePath returns the path of config.toml below rootDir.
func ConfigFilePath(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := ConfigFilePath(rootDir)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/checkpointbft/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.checkpointbft" by default, but could be changed via $CBHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Network identifier. Peers announcing a different network are rejected.
network = "{{ .BaseConfig.Network }}"

# Mode of Node: director | validator
# * director node
#   - relays messages between validators
#   - authorizes validators
# * validator node
#   - signs and gossips checkpoint votes
mode = "{{ .BaseConfig.Mode }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

##### additional base config options #####

# Path to the JSON file containing the initial authority set
authority_set_file = "{{ js .BaseConfig.AuthoritySet }}"

# Path to the JSON file containing the private key to use for peer
# authentication and vote signing
node_key_file = "{{ js .BaseConfig.NodeKey }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers for them to dial
external_address = "{{ .P2P.ExternalAddress }}"

# Comma separated list of nodes to keep persistent connections to
# (id@host:port)
persistent_peers = "{{ .P2P.PersistentPeers }}"

# Comma separated list of director node IDs
directors = "{{ .P2P.Directors }}"

# Maximum number of inbound connections
max_incoming_connections = {{ .P2P.MaxIncomingConnections }}

# Capacity of each peer's outbound queue
send_queue_size = {{ .P2P.SendQueueSize }}

# Capacity of the inbound message queue
inbound_queue_size = {{ .P2P.InboundQueueSize }}

# Peer connection configuration.
handshake_timeout = "{{ .P2P.HandshakeTimeout }}"
dial_timeout = "{{ .P2P.DialTimeout }}"

# Keep-alive ping interval, and silence after which a peer is evicted
ping_interval = "{{ .P2P.PingInterval }}"
peer_timeout = "{{ .P2P.PeerTimeout }}"

# Dial retry policy for persistent peers
dial_max_attempts = {{ .P2P.DialMaxAttempts }}
dial_backoff_base = "{{ .P2P.DialBackoffBase }}"
dial_backoff_max = "{{ .P2P.DialBackoffMax }}"

#######################################################
###          Relay Configuration Options            ###
#######################################################
[relay]

# Number of message digests remembered for duplicate suppression
seen_cache_size = {{ .Relay.SeenCacheSize }}

# How long a digest is remembered
seen_ttl = "{{ .Relay.SeenTTL }}"

# Maximum time spent delivering a relayed message to one peer
send_timeout = "{{ .Relay.SendTimeout }}"

# Number of relay send workers
workers = {{ .Relay.Workers }}

# Only relay messages from directors and authorized validators
require_authorization = {{ .Relay.RequireAuthorization }}

# Maximum number of validators a director may authorize
max_validators_per_director = {{ .Relay.MaxValidatorsPerDirector }}

#######################################################
###         Finality Configuration Options          ###
#######################################################
[finality]

# Checkpoint considered finalized before any certificate exists
genesis_checkpoint = {{ .Finality.GenesisCheckpoint }}

# Number of finalized certificates kept in memory
certificate_cache_size = {{ .Finality.CertificateCacheSize }}

#######################################################
###          Storage Configuration Options          ###
#######################################################
[storage]

# Persist votes, certificates and slashing evidence
enabled = {{ .Storage.Enabled }}

# Number of finalized checkpoints retained
retention = {{ .Storage.Retention }}

# Number of recent certificates replayed on startup
restore_certificates = {{ .Storage.RestoreCertificates }}

# Interval for retrying buffered writes
flush_interval = "{{ .Storage.FlushInterval }}"

# Interval for pruning checkpoints outside the retention window
prune_interval = "{{ .Storage.PruneInterval }}"

# Consecutive failed flushes before persistence reports degraded mode
degraded_threshold = {{ .Storage.DegradedThreshold }}

#######################################################
###          Bridge Configuration Options           ###
#######################################################
[bridge]

# Interval at which queued network messages are delivered
tick_interval = "{{ .Bridge.TickInterval }}"

# Maximum number of queued network messages
queue_size = {{ .Bridge.QueueSize }}

# Outbound retry policy
retry_max_attempts = {{ .Bridge.RetryMaxAttempts }}
retry_initial_delay = "{{ .Bridge.RetryInitialDelay }}"
retry_max_delay = "{{ .Bridge.RetryMaxDelay }}"

# Outbound circuit breaker
breaker_failure_threshold = {{ .Bridge.BreakerFailureThreshold }}
breaker_open_timeout = "{{ .Bridge.BreakerOpenTimeout }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory below dir holding a default
// config file, and returns a test configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under os.TempDir()
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	// ensure config and data subdirs are created
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return nil, err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return nil, err
	}

	// Write default config file if missing.
	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = testName
	return config, nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := os.WriteFile(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

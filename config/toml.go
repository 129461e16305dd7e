package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/uuid"

	tmos "github.com/tendermint/bloomsync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tmos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. This function is called by cmd/bloomsync/commands/init.go
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

	if err := tmos.WriteFileAtomic(path, buffer.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteDefaultConfigFileIfNone writes a default config file with a fresh
// replica id unless one already exists. It returns the path of the file.
func WriteDefaultConfigFileIfNone(rootDir string) (string, error) {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if tmos.FileExists(configFilePath) {
		return configFilePath, nil
	}
	cfg := DefaultConfig()
	cfg.ReplicaID = uuid.NewString()
	return configFilePath, WriteConfigFile(rootDir, cfg)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# The home directory is "$HOME/.bloomsync" by default, but could be changed
# via $BLOOMHOME env variable or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this process
moniker = "{{ .BaseConfig.Moniker }}"

# Identity stamped on every update this replica publishes. Must be unique
# among the replicas sharing a topic.
replica_id = "{{ .BaseConfig.ReplicaID }}"

# Output level for logging: debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text), 'text' or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################
###           Filter Configuration Options          ###
#######################################################
[filter]

# Every replica sharing a topic must use the same values below.

# Number of bits in the filter
bits = {{ .Filter.Bits }}

# Number of bit positions derived from each key
hashes = {{ .Filter.Hashes }}

# Seeds of the two base hashes
seeds = [{{ range $i, $s := .Filter.Seeds }}{{ if $i }}, {{ end }}{{ $s }}{{ end }}]

# Base hash function: murmur3 | xxhash
hash_function = "{{ .Filter.HashFunction }}"

#######################################################
###        Replication Configuration Options        ###
#######################################################
[replication]

# Topic updates are published and received on
topic = "{{ .Replication.Topic }}"

# Skip own updates when the relay echoes them back
ignore_own_events = {{ .Replication.IgnoreOwnEvents }}

# Number of received updates buffered ahead of the apply workers
inbox_size = {{ .Replication.InboxSize }}

# Number of goroutines applying received updates
apply_workers = {{ .Replication.ApplyWorkers }}

# How long a set waits for the relay connection to accept an update
publish_timeout = "{{ .Replication.PublishTimeout }}"

#######################################################
###           Relay Configuration Options           ###
#######################################################
[relay]

# TCP address the relay listens on
laddr = "{{ .Relay.ListenAddress }}"

# HTTP path of the websocket endpoint
endpoint = "{{ .Relay.Endpoint }}"

# Websocket URL replicas connect to
address = "{{ .Relay.Address }}"

# Maximum size of one frame in bytes
max_frame_bytes = {{ .Relay.MaxFrameBytes }}

# Number of frames (relay) or updates (replica) buffered per connection
send_queue_size = {{ .Relay.SendQueueSize }}

# Deadline for writing one frame
write_timeout = "{{ .Relay.WriteTimeout }}"

# Interval between websocket pings
ping_period = "{{ .Relay.PingPeriod }}"

# Delay before the first reconnect attempt; doubled after every failure
reconnect_interval = "{{ .Relay.ReconnectInterval }}"

# Maximum number of simultaneous replica connections the relay accepts.
# 0 - unlimited.
max_open_connections = {{ .Relay.MaxOpenConnections }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max_open_connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot removes and recreates a test home under the temporary
// directory and writes a test config file into it.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s-", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = strings.ReplaceAll(testName, "-", "_")
	if err := WriteConfigFile(rootDir, config); err != nil {
		return nil, err
	}
	return config, nil
}

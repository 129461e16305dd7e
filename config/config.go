package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/internal/relay"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/replication"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultBloomsyncDir = ".bloomsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a bloomsync process.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Filter          *FilterConfig          `mapstructure:"filter"`
	Replication     *ReplicationConfig     `mapstructure:"replication"`
	Relay           *RelayConfig           `mapstructure:"relay"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a bloomsync process.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Filter:          DefaultFilterConfig(),
		Replication:     DefaultReplicationConfig(),
		Relay:           DefaultRelayConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Filter:          TestFilterConfig(),
		Replication:     TestReplicationConfig(),
		Relay:           TestRelayConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Filter.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [filter] section: %w", err)
	}
	if err := cfg.Replication.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [replication] section: %w", err)
	}
	if err := cfg.Relay.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [relay] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a bloomsync process.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this process
	Moniker string `mapstructure:"moniker"`

	// Identity stamped on every update this replica publishes. Must be
	// unique among the replicas sharing a topic.
	ReplicaID string `mapstructure:"replica_id"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.ReplicaID = "test-replica"
	cfg.LogLevel = log.LogLevelDebug
	return cfg
}

// ConfigFile returns the full path to the config.toml file.
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}

//-----------------------------------------------------------------------------
// FilterConfig

// FilterConfig holds the parameters of the local filter. Every replica on a
// topic must use the same values.
type FilterConfig struct {
	// Number of bits in the filter.
	Bits uint64 `mapstructure:"bits"`

	// Number of bit positions derived from each key.
	Hashes uint64 `mapstructure:"hashes"`

	// Seeds of the two base hashes.
	Seeds []uint32 `mapstructure:"seeds"`

	// Base hash function: murmur3 | xxhash
	HashFunction string `mapstructure:"hash_function"`
}

// DefaultFilterConfig returns a filter sized for about 10000 keys at a false
// positive rate of 1e-4.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		Bits:         bloom.DefaultM,
		Hashes:       bloom.DefaultK,
		Seeds:        append([]uint32(nil), bloom.DefaultSeeds...),
		HashFunction: string(bloom.Murmur3),
	}
}

// TestFilterConfig returns a filter configuration for testing.
func TestFilterConfig() *FilterConfig {
	cfg := DefaultFilterConfig()
	cfg.Bits = 8192
	cfg.Hashes = 4
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *FilterConfig) ValidateBasic() error {
	_, err := cfg.Scheme()
	return err
}

// Scheme returns the hash scheme described by the configuration.
func (cfg *FilterConfig) Scheme() (*bloom.HashScheme, error) {
	return bloom.NewHashScheme(cfg.Bits, cfg.Hashes, cfg.Seeds, bloom.HashFunction(cfg.HashFunction))
}

//-----------------------------------------------------------------------------
// ReplicationConfig

// ReplicationConfig defines how updates are exchanged.
type ReplicationConfig struct {
	// Topic updates are published and received on.
	Topic string `mapstructure:"topic"`

	// Skip updates this replica published when they are echoed back.
	IgnoreOwnEvents bool `mapstructure:"ignore_own_events"`

	// Number of received updates buffered ahead of the apply workers.
	InboxSize int `mapstructure:"inbox_size"`

	// Number of goroutines applying received updates.
	ApplyWorkers int `mapstructure:"apply_workers"`

	// How long a Set waits for the transport to accept an update.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultReplicationConfig returns a default replication configuration.
func DefaultReplicationConfig() *ReplicationConfig {
	return &ReplicationConfig{
		Topic:           replication.DefaultTopic,
		IgnoreOwnEvents: true,
		InboxSize:       replication.DefaultInboxSize,
		ApplyWorkers:    replication.DefaultApplyWorkers,
		PublishTimeout:  replication.DefaultPublishTimeout,
	}
}

// TestReplicationConfig returns a replication configuration for testing.
func TestReplicationConfig() *ReplicationConfig {
	cfg := DefaultReplicationConfig()
	cfg.PublishTimeout = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ReplicationConfig) ValidateBasic() error {
	if cfg.Topic == "" {
		return errors.New("topic can't be empty")
	}
	if cfg.InboxSize <= 0 {
		return errors.New("inbox_size must be positive")
	}
	if cfg.ApplyWorkers <= 0 {
		return errors.New("apply_workers must be positive")
	}
	if cfg.PublishTimeout <= 0 {
		return errors.New("publish_timeout must be positive")
	}
	return nil
}

// Options returns the replication options described by the configuration.
func (cfg *ReplicationConfig) Options() []replication.Option {
	return []replication.Option{
		replication.WithTopic(cfg.Topic),
		replication.IgnoreOwnEvents(cfg.IgnoreOwnEvents),
		replication.WithInboxSize(cfg.InboxSize),
		replication.WithApplyWorkers(cfg.ApplyWorkers),
		replication.WithPublishTimeout(cfg.PublishTimeout),
	}
}

//-----------------------------------------------------------------------------
// RelayConfig

// RelayConfig covers both ends of the websocket relay: the address the
// relay listens on and the address replicas dial.
type RelayConfig struct {
	// TCP address the relay listens on.
	ListenAddress string `mapstructure:"laddr"`

	// HTTP path of the websocket endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Websocket URL replicas connect to.
	Address string `mapstructure:"address"`

	// Maximum size of one frame. Replicas pack queued updates into frames
	// of at most this size.
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`

	// Number of frames (relay) or updates (replica) buffered per connection.
	SendQueueSize int `mapstructure:"send_queue_size"`

	// Deadline for writing one frame.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Interval between websocket pings.
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Delay before the first reconnect attempt; doubled after every failure.
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`

	// Maximum number of simultaneous replica connections the relay accepts.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`
}

// DefaultRelayConfig returns a default relay configuration.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		ListenAddress:      "tcp://127.0.0.1:26670",
		Endpoint:           relay.DefaultEndpoint,
		Address:            "ws://127.0.0.1:26670" + relay.DefaultEndpoint,
		MaxFrameBytes:      relay.DefaultMaxFrameBytes,
		SendQueueSize:      relay.DefaultSendQueueSize,
		WriteTimeout:       relay.DefaultWriteTimeout,
		PingPeriod:         relay.DefaultPingPeriod,
		ReconnectInterval:  relay.DefaultReconnectInterval,
		MaxOpenConnections: 900,
	}
}

// TestRelayConfig returns a relay configuration for testing.
func TestRelayConfig() *RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:0"
	cfg.ReconnectInterval = 10 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *RelayConfig) ValidateBasic() error {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("address scheme must be ws or wss, got %q", u.Scheme)
	}
	if cfg.Endpoint == "" || cfg.Endpoint[0] != '/' {
		return errors.New("endpoint must start with '/'")
	}
	if cfg.MaxFrameBytes <= 0 {
		return errors.New("max_frame_bytes must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("send_queue_size must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("write_timeout must be positive")
	}
	if cfg.PingPeriod <= 0 {
		return errors.New("ping_period must be positive")
	}
	if cfg.ReconnectInterval <= 0 {
		return errors.New("reconnect_interval must be positive")
	}
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	return nil
}

// ServerConfig returns the relay server tunables.
func (cfg *RelayConfig) ServerConfig() *relay.ServerConfig {
	return &relay.ServerConfig{
		MaxFrameBytes: cfg.MaxFrameBytes,
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		PingPeriod:    cfg.PingPeriod,
	}
}

// ClientOptions returns the relay client options for a replica.
func (cfg *RelayConfig) ClientOptions(replicaID string) []relay.ClientOption {
	return []relay.ClientOption{
		relay.ClientID(replicaID),
		relay.MaxFrameBytes(cfg.MaxFrameBytes),
		relay.SendQueueSize(cfg.SendQueueSize),
		relay.WriteTimeout(cfg.WriteTimeout),
		relay.PingPeriod(cfg.PingPeriod),
		relay.ReconnectInterval(cfg.ReconnectInterval),
	}
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "bloomsync",
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
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	tmpDir := t.TempDir()

	// create root dir
	require.NoError(t, EnsureRoot(tmpDir))
	path, err := WriteDefaultConfigFileIfNone(tmpDir)
	require.NoError(t, err)

	// make sure config is set properly
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data", "config/config.toml")

	// a second call keeps the existing file and its replica id
	_, err = WriteDefaultConfigFileIfNone(tmpDir)
	require.NoError(t, err)
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEnsureTestRoot(t *testing.T) {
	cfg, err := ResetTestRoot(t.TempDir(), "ensure-test-root")
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.ConfigFile())
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, cfg.RootDir, "data", "config/config.toml")
}

// TestTemplateIsValidTOML decodes the rendered template with a strict TOML
// parser and compares it to the values it was rendered from.
func TestTemplateIsValidTOML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplicaID = "replica-a"

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.WriteToTemplate(path))

	var doc struct {
		Moniker   string `toml:"moniker"`
		ReplicaID string `toml:"replica_id"`
		Filter    struct {
			Bits         uint64   `toml:"bits"`
			Hashes       uint64   `toml:"hashes"`
			Seeds        []uint32 `toml:"seeds"`
			HashFunction string   `toml:"hash_function"`
		} `toml:"filter"`
		Replication struct {
			Topic          string `toml:"topic"`
			PublishTimeout string `toml:"publish_timeout"`
		} `toml:"replication"`
		Relay struct {
			Address       string `toml:"address"`
			MaxFrameBytes int    `toml:"max_frame_bytes"`
		} `toml:"relay"`
	}
	md, err := toml.DecodeFile(path, &doc)
	require.NoError(t, err)
	assert.True(t, md.IsDefined("instrumentation", "namespace"))

	assert.Equal(t, "replica-a", doc.ReplicaID)
	assert.Equal(t, cfg.Filter.Bits, doc.Filter.Bits)
	assert.Equal(t, cfg.Filter.Hashes, doc.Filter.Hashes)
	assert.Equal(t, cfg.Filter.Seeds, doc.Filter.Seeds)
	assert.Equal(t, "murmur3", doc.Filter.HashFunction)
	assert.Equal(t, "bloom", doc.Replication.Topic)
	assert.Equal(t, "750ms", doc.Replication.PublishTimeout)
	assert.Equal(t, cfg.Relay.Address, doc.Relay.Address)
	assert.Equal(t, cfg.Relay.MaxFrameBytes, doc.Relay.MaxFrameBytes)
}

// TestTemplateRoundTrip loads the rendered template the way the CLI does and
// expects the configuration it was rendered from.
func TestTemplateRoundTrip(t *testing.T) {
	want := TestConfig()
	want.Filter.HashFunction = "xxhash"
	want.Filter.Seeds = []uint32{1, 2}
	want.Instrumentation.Prometheus = true

	root := t.TempDir()
	require.NoError(t, EnsureRoot(root))
	require.NoError(t, WriteConfigFile(root, want))

	v := viper.New()
	v.SetConfigFile(filepath.Join(root, "config", "config.toml"))
	require.NoError(t, v.ReadInConfig())

	got := DefaultConfig()
	require.NoError(t, v.Unmarshal(got))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config changed in round trip (-want +got):\n%s", diff)
	}
	require.NoError(t, got.ValidateBasic())
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"replica_id",
		"log_level",
		"[filter]",
		"bits = 192000",
		"hashes = 13",
		"seeds",
		"hash_function",
		"[replication]",
		"topic",
		"publish_timeout",
		"[relay]",
		"max_frame_bytes = 32768",
		"max_open_connections = 900",
		"[instrumentation]",
	}
	for _, e := range elems {
		if !strings.Contains(configFile, e) {
			t.Errorf("config file was expected to contain %s but did not", e)
		}
	}
}

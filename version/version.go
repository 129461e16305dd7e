package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// BSCoreSemVer is the current version of bloomsync.
	// It's the Semantic Version of the software.
	BSCoreSemVer = "0.1.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// WireProtocol versions the update and frame messages exchanged between
	// replicas and the relay.
	WireProtocol Protocol = 1
)

package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = CBSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// CBSemVer is the current version of the checkpoint finality node.
	// It's the Semantic Version of the software.
	CBSemVer = "0.1.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// P2PProtocol versions the handshake and message framing.
	P2PProtocol Protocol = 1

	// FinalityProtocol versions votes, certificates and the sign-bytes
	// layout they are verified against.
	FinalityProtocol Protocol = 1
)

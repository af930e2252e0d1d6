package finality

import "time"

// Health grades how far finality trails the certified checkpoints.
type Health int

const (
	Healthy Health = iota
	SlightlyBehind
	Degraded
	Critical
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case SlightlyBehind:
		return "slightly_behind"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// healthFromLag maps the certified-but-unfinalized backlog to a Health.
func healthFromLag(lag uint64) Health {
	switch {
	case lag == 0:
		return Healthy
	case lag < 3:
		return SlightlyBehind
	case lag < 10:
		return Degraded
	default:
		return Critical
	}
}

// Stats are cumulative counters of the gadget.
type Stats struct {
	LastFinalized        uint64
	AuthoritySetID       uint64
	CollectingRounds     int
	PendingCertificates  int
	VotesAccepted        uint64
	StaleVotes           uint64
	Equivocations        uint64
	CertificatesFormed   uint64
	CertificatesImported uint64
	// AverageQuorumTime is the mean time from the first vote of a
	// checkpoint to its quorum, over locally formed certificates.
	AverageQuorumTime time.Duration
}

package swim

import (
	"time"

	"github.com/meftunca/lifeguard/pkg/types"
)

// Member is a known peer together with the detector's current belief about
// it. SuspicionStartedAt is only set while the member is suspect.
type Member struct {
	Node   types.Node
	Status types.Status

	// LastUpdatedPeriod is the protocol period in which the status last
	// changed.
	LastUpdatedPeriod uint64

	// SuspicionStartedAt is the instant the member entered suspect state.
	SuspicionStartedAt time.Time
}

// IsLocal reports whether the member is the node the detector runs on.
func (m *Member) IsLocal(local types.Node) bool {
	return m.Node.SameAddress(local)
}

// Copy returns a snapshot of the member safe to hand outside the instance.
func (m *Member) Copy() Member {
	return *m
}

package config

import "time"

// Direction selects which local BMC role is permitted to initiate a
// transfer for a Sync Entry.
type Direction int

const (
	// Active2Passive entries only run on the node whose role is Active.
	Active2Passive Direction = iota
	// Passive2Active entries only run on the node whose role is Passive.
	Passive2Active
	// Bidirectional entries run on both nodes, last-writer-wins at the
	// entry level.
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case Active2Passive:
		return "Active2Passive"
	case Passive2Active:
		return "Passive2Active"
	case Bidirectional:
		return "Bidirectional"
	default:
		return "Unknown"
	}
}

// SyncType selects whether a Sync Entry is driven by filesystem events or
// by a fixed cadence timer.
type SyncType int

const (
	// Immediate entries sync on every watcher-observed change.
	Immediate SyncType = iota
	// Periodic entries sync on a fixed cadence.
	Periodic
)

func (t SyncType) String() string {
	switch t {
	case Immediate:
		return "Immediate"
	case Periodic:
		return "Periodic"
	default:
		return "Unknown"
	}
}

// DefaultPeriodicity is used for a Periodic entry whose Periodicity field
// failed to parse.
const DefaultPeriodicity = 60 * time.Second

// DefaultRetryInterval is used for a Retry policy whose interval failed
// to parse.
const DefaultRetryInterval = 30 * time.Second

// Retry is an entry's optional retry policy, applied by the Retry &
// Failure Classifier after a failed transfer.
type Retry struct {
	Attempts uint8
	Interval time.Duration
}

// StateInfo describes one interface's suspend/resume property mapping for
// a state-driven Sync Entry.
//
// SuspendStates and ResumeStates map a D-Bus property name to the set of
// canonical string values that trigger a suspend/resume transition.
type StateInfo struct {
	ServiceName   string
	SuspendStates map[string]map[string]struct{}
	ResumeStates  map[string]map[string]struct{}

	// SuspendSync is runtime-only. Only the statedriven controller's
	// goroutine for this interface mutates it; the engine learns of
	// changes through the controller's OnSuspendChanged callback.
	SuspendSync bool
}

// StateDrivenDescriptor maps an interface name to its StateInfo. A Sync
// Entry may appear under several interfaces; any interface's suspend
// state gates the entry.
type StateDrivenDescriptor struct {
	Interfaces map[string]*StateInfo
}

// SyncEntry is the unit of replication: one declared source path and the
// policy that governs how it is kept mirrored on the peer.
type SyncEntry struct {
	// ID is assigned at load time in registration order and is stable
	// for the process lifetime. Watcher and state-driven goroutines
	// refer back to an entry by ID rather than holding a pointer into
	// engine-owned runtime state.
	ID int

	Path        string
	IsDirectory bool
	DestPath    string // empty means mirror Path on the peer
	Description string

	Direction Direction
	SyncType  SyncType

	// Periodicity is only meaningful when SyncType == Periodic.
	Periodicity time.Duration

	Retry *Retry // nil when no retry policy is configured

	IncludeList []string
	ExcludeList []string

	StateDriven *StateDrivenDescriptor // nil when not state-driven
}

// Config is the fully parsed, validated set of Sync Entries, in
// registration order.
type Config struct {
	Entries []*SyncEntry
}

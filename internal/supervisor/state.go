package supervisor

import "time"

// StateKind is the tagged variant of PluginState (§3). Failing carries
// additional data (consecutive_crashes, last_error), held alongside it in
// Snapshot rather than encoded into the kind itself.
type StateKind string

const (
	Unloaded StateKind = "unloaded"
	Loaded   StateKind = "loaded"
	Starting StateKind = "starting"
	Running  StateKind = "running"
	Failing  StateKind = "failing"
	Stopping StateKind = "stopping"
	Stopped  StateKind = "stopped"
)

// CrashRecord is one entry in the bounded "last ten crashes" history
// exposed by the resource-accounting view (§4.E).
type CrashRecord struct {
	At     time.Time
	Reason string
}

// ResourceSample is one memory/CPU observation from a sandboxed worker's
// event:resource frame. Trusted plugins produce no samples.
type ResourceSample struct {
	At            time.Time
	MemoryBytes   int64
	CPUSeconds    float64
}

// Snapshot is the read-only view the supervisor publishes for the
// administration surface and the plugin manager's enumeration operation.
type Snapshot struct {
	Plugin             string
	Kind               StateKind
	ConsecutiveCrashes int
	LastError          string
	StartedAt          time.Time
	Uptime             time.Duration
	RecentCrashes      []CrashRecord
	LatestSample       *ResourceSample
	PendingCalls       int
}

// validTransition enforces §3's state machine. It is intentionally
// permissive about self-transitions used internally (e.g. Failing ->
// Failing while backoff is still counting) but rejects anything not named
// in the spec.
func validTransition(from, to StateKind) bool {
	switch from {
	case Unloaded:
		return to == Loaded
	case Loaded:
		return to == Starting
	case Starting:
		return to == Running || to == Failing
	case Running:
		return to == Stopping || to == Failing
	case Failing:
		return to == Starting || to == Stopped || to == Failing
	case Stopping:
		return to == Stopped
	case Stopped:
		return to == Unloaded
	}
	return false
}

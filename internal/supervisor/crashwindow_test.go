package supervisor

import (
	"testing"
	"time"

	"github.com/corehost/pluginhost/internal/descriptor"
)

func newRunningSupervisor(t *testing.T, runningFor time.Duration, crashes int, window time.Duration) *Supervisor {
	t.Helper()
	return &Supervisor{
		desc:               &descriptor.PluginDescriptor{Name: "flaky"},
		kind:               Running,
		policy:             RestartPolicy{Window: window},
		startedAt:          time.Now().Add(-runningFor),
		consecutiveCrashes: crashes,
	}
}

func TestStatsResetsConsecutiveCrashesOnceRunningOutlastsTheWindow(t *testing.T) {
	s := newRunningSupervisor(t, time.Hour, 3, 50*time.Millisecond)

	sn := s.Stats()

	if sn.ConsecutiveCrashes != 0 {
		t.Fatalf("ConsecutiveCrashes = %d, want 0 once running has outlasted the reset window", sn.ConsecutiveCrashes)
	}
}

func TestStatsKeepsConsecutiveCrashesWithinTheWindow(t *testing.T) {
	s := newRunningSupervisor(t, time.Millisecond, 3, time.Hour)

	sn := s.Stats()

	if sn.ConsecutiveCrashes != 3 {
		t.Fatalf("ConsecutiveCrashes = %d, want 3 while still inside the reset window", sn.ConsecutiveCrashes)
	}
}

func TestStatsDoesNotResetCrashesForANonRunningPlugin(t *testing.T) {
	s := newRunningSupervisor(t, time.Hour, 3, 50*time.Millisecond)
	s.kind = Failing

	sn := s.Stats()

	if sn.ConsecutiveCrashes != 3 {
		t.Fatalf("ConsecutiveCrashes = %d, want 3: the reset only applies while Running", sn.ConsecutiveCrashes)
	}
}

func TestStateAlsoResetsTheCrashWindow(t *testing.T) {
	s := newRunningSupervisor(t, time.Hour, 3, 50*time.Millisecond)

	_ = s.State()

	if s.consecutiveCrashes != 0 {
		t.Fatalf("consecutiveCrashes = %d, want 0 after State() observes a stale window", s.consecutiveCrashes)
	}
}

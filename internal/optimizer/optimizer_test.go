package optimizer

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/commmrade/gaimode/internal/config"
)

// disabledSettings returns a Settings value with every tunable toggle
// off, so optimizer logic can be exercised without touching any real
// sysfs file, syscall, or /proc tree.
func disabledSettings() config.Settings {
	s := config.Defaults()
	s.CPUAffinity.Enabled = false
	s.CPUGovernor.Enabled = false
	s.Niceness.Enabled = false
	s.IONiceness.Enabled = false
	return s
}

type fakeMetrics struct {
	optimized    bool
	tracked      int
	governors    int
	episodes     int
	revertErrors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{revertErrors: make(map[string]int)}
}

func (f *fakeMetrics) SetOptimized(v bool)          { f.optimized = v }
func (f *fakeMetrics) SetTrackedProcesses(n int)    { f.tracked = n }
func (f *fakeMetrics) SetGovernorPolicies(n int)    { f.governors = n }
func (f *fakeMetrics) IncEpisodes()                 { f.episodes++ }
func (f *fakeMetrics) IncRevertErrors(dim string)   { f.revertErrors[dim]++ }

type fakeLedger struct {
	nextID       int64
	opened       []int64
	closedIDs    []int64
	closedReason []string
}

func (l *fakeLedger) OpenEpisode(pids []int) (int64, error) {
	l.nextID++
	l.opened = append(l.opened, l.nextID)
	return l.nextID, nil
}

func (l *fakeLedger) CloseEpisode(id int64, outcome string) error {
	l.closedIDs = append(l.closedIDs, id)
	l.closedReason = append(l.closedReason, outcome)
	return nil
}

func (l *fakeLedger) Count() (int, error) {
	return len(l.opened), nil
}

func newTestOptimizer(t *testing.T, metrics Metrics, led EpisodeLedger) *Optimizer {
	t.Helper()
	return New(disabledSettings(), zap.NewNop(), metrics, led)
}

func TestOptimizeProcessSetsOptimizedAndTracksPID(t *testing.T) {
	o := newTestOptimizer(t, nil, nil)
	pid := os.Getpid()

	ch := make(chan Command, 1)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	close(ch)

	o.Process(ch)

	if !o.IsOptimized() {
		t.Fatal("expected optimizer to be optimized after OptimizeProcess")
	}
	if o.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked process, got %d", o.TrackedCount())
	}
}

func TestDuplicateOptimizeProcessDoesNotOverwriteRecord(t *testing.T) {
	o := newTestOptimizer(t, nil, nil)
	pid := os.Getpid()

	ch := make(chan Command, 2)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	close(ch)

	o.Process(ch)

	if o.TrackedCount() != 1 {
		t.Fatalf("expected idempotent admission to leave exactly 1 tracked process, got %d", o.TrackedCount())
	}
}

func TestResetProcessOfUntrackedPIDIsNoOp(t *testing.T) {
	o := newTestOptimizer(t, nil, nil)

	ch := make(chan Command, 1)
	ch <- Command{Kind: CommandResetProcess, PID: 999999}
	close(ch)

	o.Process(ch)

	if o.IsOptimized() {
		t.Fatal("resetting an untracked pid must not change optimized state")
	}
	if o.TrackedCount() != 0 {
		t.Fatalf("expected 0 tracked processes, got %d", o.TrackedCount())
	}
}

func TestResetLastProcessTriggersImplicitRevertSameTick(t *testing.T) {
	metrics := newFakeMetrics()
	led := &fakeLedger{}
	o := newTestOptimizer(t, metrics, led)
	pid := os.Getpid()

	ch := make(chan Command, 2)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	ch <- Command{Kind: CommandResetProcess, PID: pid}
	close(ch)

	o.Process(ch)

	if o.IsOptimized() {
		t.Fatal("expected implicit revert to clear is_optimized once tracked set is empty")
	}
	if o.TrackedCount() != 0 {
		t.Fatalf("expected 0 tracked processes, got %d", o.TrackedCount())
	}
	if len(led.closedReason) != 1 || led.closedReason[0] != "tracked_set_empty" {
		t.Fatalf("expected one episode closed with reason tracked_set_empty, got %v", led.closedReason)
	}
}

func TestResetAllRevertsTrackedProcessesAndClearsOptimized(t *testing.T) {
	led := &fakeLedger{}
	o := newTestOptimizer(t, nil, led)
	pid := os.Getpid()

	ch := make(chan Command, 2)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	ch <- Command{Kind: CommandResetAll}
	close(ch)

	o.Process(ch)

	if o.IsOptimized() {
		t.Fatal("expected ResetAll to clear is_optimized")
	}
	if o.TrackedCount() != 0 {
		t.Fatalf("expected 0 tracked processes after ResetAll, got %d", o.TrackedCount())
	}
	if len(led.closedReason) != 1 || led.closedReason[0] != "reset_all" {
		t.Fatalf("expected one episode closed with reason reset_all, got %v", led.closedReason)
	}
}

func TestDeadPIDSweepRemovesExitedProcessAndReverts(t *testing.T) {
	o := newTestOptimizer(t, nil, nil)
	// A PID this large is extremely unlikely to be alive; Kill(pid, 0)
	// will fail with ESRCH, which the sweep treats as dead.
	deadPID := 1 << 30

	// Admit the PID without running a tick: Process itself sweeps right
	// after draining, so admitting through Process would remove it at once.
	o.handle(Command{Kind: CommandOptimizeProcess, PID: deadPID})
	if o.TrackedCount() != 1 {
		t.Fatalf("setup: expected 1 tracked process before sweep, got %d", o.TrackedCount())
	}

	// A tick with no new commands: the sweep should find the PID dead
	// and trigger an implicit revert.
	empty := make(chan Command)
	close(empty)
	o.Process(empty)

	if o.TrackedCount() != 0 {
		t.Fatalf("expected dead pid to be swept, got %d tracked", o.TrackedCount())
	}
	if o.IsOptimized() {
		t.Fatal("expected implicit revert after dead pid sweep")
	}
}

func TestGracefulShutdownRevertsWhenOptimized(t *testing.T) {
	led := &fakeLedger{}
	o := newTestOptimizer(t, nil, led)
	pid := os.Getpid()

	ch := make(chan Command, 1)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	close(ch)
	o.Process(ch)

	o.GracefulShutdown()

	if o.IsOptimized() {
		t.Fatal("expected graceful shutdown to clear is_optimized")
	}
	if len(led.closedReason) != 1 || led.closedReason[0] != "shutdown" {
		t.Fatalf("expected episode closed with reason shutdown, got %v", led.closedReason)
	}
}

func TestStatusQueryReturnsSnapshotWithoutBlocking(t *testing.T) {
	led := &fakeLedger{}
	o := newTestOptimizer(t, nil, led)
	pid := os.Getpid()

	reply := make(chan StatusSnapshot, 1)
	ch := make(chan Command, 2)
	ch <- Command{Kind: CommandOptimizeProcess, PID: pid}
	ch <- Command{Kind: CommandStatusQuery, Reply: reply}
	close(ch)

	o.Process(ch)

	select {
	case snap := <-reply:
		if !snap.IsOptimized {
			t.Fatal("expected snapshot to report optimized")
		}
		if snap.TrackedPIDs != 1 {
			t.Fatalf("expected 1 tracked pid in snapshot, got %d", snap.TrackedPIDs)
		}
	default:
		t.Fatal("expected a status snapshot to be delivered")
	}
}

func TestGracefulShutdownIsNoOpWhenIdle(t *testing.T) {
	led := &fakeLedger{}
	o := newTestOptimizer(t, nil, led)

	o.GracefulShutdown()

	if len(led.closedReason) != 0 {
		t.Fatalf("expected no episode activity when already idle, got %v", led.closedReason)
	}
}

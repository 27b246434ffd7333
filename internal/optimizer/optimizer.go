// Package optimizer — optimizer.go
//
// The single-actor state machine that applies and reverts system-wide
// and per-process tunings. Exactly one goroutine may call Process; it
// is not safe for concurrent use, mirroring the single-writer contract
// of the engine it was modeled on (see CommandKind / ProcessRecord
// comments below for the invariants this enforces).
package optimizer

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/commmrade/gaimode/internal/config"
	"github.com/commmrade/gaimode/internal/cpu"
	"github.com/commmrade/gaimode/internal/ioprio"
	"github.com/commmrade/gaimode/internal/scheduler"
)

// CommandKind tags the commands the optimizer understands: the three
// state-changing commands plus the observational status query.
type CommandKind int

const (
	CommandOptimizeProcess CommandKind = iota + 1
	CommandResetProcess
	CommandResetAll
	CommandStatusQuery
)

// Command is one unit of work delivered by the listener (or any other
// producer) over the command channel. Reply is only set for
// CommandStatusQuery: since the Optimizer is the sole writer of its
// state, even an observational read has to go through the command
// channel rather than touching Optimizer fields from another
// goroutine. The sender should create Reply with capacity 1 so a
// timed-out receiver never blocks this call.
type Command struct {
	Kind  CommandKind
	PID   int
	Reply chan<- StatusSnapshot
}

// StatusSnapshot is a point-in-time view of the optimizer's state,
// returned in response to CommandStatusQuery.
type StatusSnapshot struct {
	IsOptimized      bool
	TrackedPIDs      int
	GovernorPolicies int
	EpisodeCount     int
}

// ProcessRecord is the captured prior state of one tracked PID. A field
// is non-nil iff the corresponding toggle was enabled when the process
// was admitted.
type ProcessRecord struct {
	Nice    *int
	IONice  *int
	AffMask *unix.CPUSet
}

// Metrics is the narrow view of observability the optimizer needs.
// Implemented by *observability.Metrics; kept as an interface here so
// this package never imports Prometheus directly.
type Metrics interface {
	SetOptimized(bool)
	SetTrackedProcesses(int)
	SetGovernorPolicies(int)
	IncEpisodes()
	IncRevertErrors(dimension string)
}

// EpisodeLedger is the narrow view of the audit trail the optimizer
// needs. Implemented by *ledger.DB. A nil EpisodeLedger disables
// episode recording entirely (best-effort, never load-bearing).
type EpisodeLedger interface {
	OpenEpisode(pids []int) (int64, error)
	CloseEpisode(id int64, outcome string) error
	Count() (int, error)
}

// Optimizer owns the single authoritative copy of optimization state.
// Created once at daemon start, destroyed only at orderly shutdown,
// at which point GracefulShutdown MUST run a full revert.
type Optimizer struct {
	governors []cpu.GovernorSnapshot
	processes map[int]ProcessRecord

	isOptimized bool
	episodeOpen bool
	episodeID   int64

	settings config.Settings
	log      *zap.Logger
	metrics  Metrics
	ledger   EpisodeLedger
}

// New creates an Optimizer in the Idle state.
func New(settings config.Settings, log *zap.Logger, metrics Metrics, ledger EpisodeLedger) *Optimizer {
	return &Optimizer{
		processes: make(map[int]ProcessRecord),
		settings:  settings,
		log:       log,
		metrics:   metrics,
		ledger:    ledger,
	}
}

// IsOptimized reports whether the engine currently holds the
// "optimized" capability. Only safe to call from the goroutine that
// also calls Process — external observers must use CommandStatusQuery
// instead, since the Optimizer is not otherwise safe for concurrent
// access.
func (o *Optimizer) IsOptimized() bool { return o.isOptimized }

// TrackedCount returns the number of processes currently admitted.
// Same single-goroutine caveat as IsOptimized.
func (o *Optimizer) TrackedCount() int { return len(o.processes) }

// GovernorPolicyCount returns the number of cpufreq policies captured
// in the current governor snapshot (zero when Idle).
func (o *Optimizer) GovernorPolicyCount() int { return len(o.governors) }

// Process drains every command currently queued on commands, runs one
// dead-PID sweep, and performs a full revert if warranted. It is meant
// to be called in a loop with a short delay between iterations, and
// must be called from a single goroutine only.
func (o *Optimizer) Process(commands <-chan Command) {
drain:
	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				break drain
			}
			o.handle(cmd)
		default:
			break drain
		}
	}

	died := o.sweepDeadPIDs()
	if died > 0 || (o.isOptimized && len(o.processes) == 0) {
		reason := "tracked_set_empty"
		if died > 0 {
			reason = "dead_pid_sweep"
		}
		o.revertAll(reason)
	}

	if o.metrics != nil {
		o.metrics.SetOptimized(o.isOptimized)
		o.metrics.SetTrackedProcesses(len(o.processes))
		o.metrics.SetGovernorPolicies(len(o.governors))
	}
}

func (o *Optimizer) handle(cmd Command) {
	switch cmd.Kind {
	case CommandOptimizeProcess:
		o.optimizeProcess(cmd.PID)
	case CommandResetProcess:
		o.resetProcess(cmd.PID)
	case CommandResetAll:
		o.revertAll("reset_all")
	case CommandStatusQuery:
		o.replyStatus(cmd.Reply)
	default:
		o.log.Warn("optimizer: unknown command kind, ignoring", zap.Int("kind", int(cmd.Kind)))
	}
}

func (o *Optimizer) replyStatus(reply chan<- StatusSnapshot) {
	if reply == nil {
		return
	}
	snap := StatusSnapshot{
		IsOptimized:      o.isOptimized,
		TrackedPIDs:      len(o.processes),
		GovernorPolicies: len(o.governors),
	}
	if o.ledger != nil {
		if n, err := o.ledger.Count(); err == nil {
			snap.EpisodeCount = n
		}
	}
	select {
	case reply <- snap:
	default:
	}
}

func (o *Optimizer) optimizeProcess(pid int) {
	opening := !o.isOptimized
	if opening {
		o.optimizeGovernor()
		o.isOptimized = true
	}
	o.admitProcess(pid)
	if opening {
		o.openEpisode()
	}
}

func (o *Optimizer) resetProcess(pid int) {
	rec, ok := o.processes[pid]
	if !ok {
		return
	}
	delete(o.processes, pid)
	o.revertProcessRecord(pid, rec)
}

// admitProcess captures pid's prior state and applies the optimized
// tunings. Per the no-overwrite invariant, a PID that is already
// tracked is left untouched: its stored prior values are never
// recaptured, and its tunings are already in effect from the first
// admission.
func (o *Optimizer) admitProcess(pid int) {
	if _, tracked := o.processes[pid]; tracked {
		return
	}
	o.processes[pid] = o.captureProcessRecord(pid)
	o.applyProcessOptimizations(pid)
}

func (o *Optimizer) optimizeGovernor() {
	if !o.settings.CPUGovernor.Enabled {
		return
	}
	target := o.settings.CPUGovernor.OptimizedType

	available, err := cpu.IsGovAvailable(target)
	if err != nil {
		o.log.Error("optimizer: failed to check governor availability", zap.Error(err))
		return
	}
	if !available {
		o.log.Warn("optimizer: requested governor unavailable on any policy, skipping governor change",
			zap.String("governor", target))
		return
	}

	snaps, err := cpu.GetGovs()
	if err != nil {
		o.log.Error("optimizer: failed to snapshot governors", zap.Error(err))
		return
	}
	o.governors = snaps

	if err := cpu.SetGovAll(target); err != nil {
		o.log.Error("optimizer: failed to set governor on one or more policies", zap.Error(err))
	}
}

func (o *Optimizer) revertGovernor() {
	if o.settings.CPUGovernor.Enabled {
		for _, snap := range o.governors {
			if err := cpu.SetGov(snap.PolicyPath, snap.Governor); err != nil {
				o.log.Error("optimizer: failed to restore governor", zap.String("policy", snap.PolicyPath), zap.Error(err))
				if o.metrics != nil {
					o.metrics.IncRevertErrors("governor")
				}
			}
		}
	}
	o.isOptimized = false
	o.governors = nil
}

// revertAll reverts every tracked process, then the governor snapshot,
// then closes the open episode (if any). A no-op when the engine is
// already Idle.
func (o *Optimizer) revertAll(outcome string) {
	if !o.isOptimized {
		return
	}
	o.log.Info("optimizer: resetting all optimizations", zap.String("reason", outcome))

	for pid, rec := range o.processes {
		o.revertProcessRecord(pid, rec)
		delete(o.processes, pid)
	}
	o.revertGovernor()
	o.closeEpisode(outcome)
}

// GracefulShutdown runs a full revert, swallowing errors after logging
// them. Called exactly once, from the daemon's shutdown path.
func (o *Optimizer) GracefulShutdown() {
	o.revertAll("shutdown")
}

// sweepDeadPIDs probes every tracked PID with signal 0 and removes
// entries whose process has exited. EPERM means the process exists but
// cannot be signaled, so it is treated as alive. Returns the number of
// entries removed.
func (o *Optimizer) sweepDeadPIDs() int {
	removed := 0
	for pid := range o.processes {
		if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
			delete(o.processes, pid)
			removed++
		}
	}
	return removed
}

func (o *Optimizer) captureProcessRecord(pid int) ProcessRecord {
	var rec ProcessRecord

	if o.settings.Niceness.Enabled {
		n, err := scheduler.ProcessNiceness(pid)
		if err != nil {
			o.log.Warn("optimizer: failed to capture niceness, using default",
				zap.Int("pid", pid), zap.Error(err))
			n = o.settings.Niceness.DefaultValue
		}
		rec.Nice = &n
	}

	if o.settings.IONiceness.Enabled {
		v, err := ioprio.ProcessIONiceness(pid)
		if err != nil {
			o.log.Warn("optimizer: failed to capture io niceness, using default",
				zap.Int("pid", pid), zap.Error(err))
			v = o.settings.IONiceness.DefaultValue
		}
		rec.IONice = &v
	}

	if o.settings.CPUAffinity.Enabled {
		mask, err := cpu.GetAffMask(pid)
		if err != nil {
			o.log.Warn("optimizer: failed to capture affinity mask, using default",
				zap.Int("pid", pid), zap.Error(err))
			if def, derr := cpu.DefaultAffMask(); derr == nil {
				mask = def
			}
		}
		rec.AffMask = &mask
	}

	return rec
}

func (o *Optimizer) applyProcessOptimizations(pid int) {
	o.log.Info("optimizer: optimizing process", zap.Int("pid", pid))

	if o.settings.Niceness.Enabled {
		if err := scheduler.SetProcessNiceness(pid, o.settings.Niceness.OptimizedValue); err != nil {
			o.log.Warn("optimizer: failed to set optimized niceness", zap.Int("pid", pid), zap.Error(err))
		}
	}

	if o.settings.IONiceness.Enabled {
		failed, err := ioprio.SetProcessIONiceness(pid, o.settings.IONiceness.OptimizedValue)
		if err != nil {
			o.log.Warn("optimizer: failed to set optimized io niceness", zap.Int("pid", pid), zap.Error(err))
		} else if len(failed) > 0 {
			o.log.Debug("optimizer: io niceness failed on some tasks", zap.Int("pid", pid), zap.Ints("tasks", failed))
		}
	}

	if o.settings.CPUAffinity.Enabled {
		o.pinProcess(pid)
	}
}

func (o *Optimizer) pinProcess(pid int) {
	cpuIdx, err := cpu.LowestLoadNonCore0CPU()
	if err != nil {
		o.log.Warn("optimizer: failed to sample CPU load, skipping affinity pin",
			zap.Int("pid", pid), zap.Error(err))
		return
	}

	if err := cpu.PinTask(pid, cpuIdx); err != nil {
		o.log.Warn("optimizer: failed to pin main task", zap.Int("pid", pid), zap.Int("cpu", cpuIdx), zap.Error(err))
	}

	tasks, err := scheduler.Tasks(pid)
	if err != nil {
		o.log.Warn("optimizer: failed to list tasks for affinity", zap.Int("pid", pid), zap.Error(err))
		return
	}
	for _, tid := range tasks {
		if tid == pid {
			continue
		}
		if err := cpu.PinTaskExcluding(tid, cpuIdx); err != nil {
			o.log.Warn("optimizer: failed to exclude task from pinned cpu",
				zap.Int("tid", tid), zap.Int("cpu", cpuIdx), zap.Error(err))
		}
	}
}

func (o *Optimizer) revertProcessRecord(pid int, rec ProcessRecord) {
	o.log.Info("optimizer: resetting process", zap.Int("pid", pid))

	if o.settings.Niceness.Enabled {
		nice := o.settings.Niceness.DefaultValue
		if rec.Nice != nil {
			nice = *rec.Nice
		}
		if err := scheduler.SetProcessNiceness(pid, nice); err != nil {
			o.log.Warn("optimizer: failed to restore niceness", zap.Int("pid", pid), zap.Error(err))
			if o.metrics != nil {
				o.metrics.IncRevertErrors("niceness")
			}
		}
	}

	if o.settings.IONiceness.Enabled {
		level := o.settings.IONiceness.DefaultValue
		if rec.IONice != nil {
			level = *rec.IONice
		}
		if failed, err := ioprio.SetProcessIONiceness(pid, level); err != nil {
			o.log.Warn("optimizer: failed to restore io niceness", zap.Int("pid", pid), zap.Error(err))
			if o.metrics != nil {
				o.metrics.IncRevertErrors("io_niceness")
			}
		} else if len(failed) > 0 {
			o.log.Debug("optimizer: io niceness restore failed on some tasks", zap.Int("pid", pid), zap.Ints("tasks", failed))
		}
	}

	if o.settings.CPUAffinity.Enabled {
		mask, err := o.restoreAffMask(rec)
		if err != nil {
			o.log.Warn("optimizer: no affinity mask available to restore", zap.Int("pid", pid), zap.Error(err))
			return
		}
		tasks, err := scheduler.Tasks(pid)
		if err != nil {
			// The process may already be fully gone; one best-effort
			// attempt against the PID itself is all that's left to try.
			if err := cpu.SetAffMask(pid, mask); err != nil {
				o.log.Debug("optimizer: failed to restore affinity on exited process", zap.Int("pid", pid), zap.Error(err))
			}
			return
		}
		for _, tid := range tasks {
			if err := cpu.SetAffMask(tid, mask); err != nil {
				o.log.Warn("optimizer: failed to restore task affinity", zap.Int("tid", tid), zap.Error(err))
				if o.metrics != nil {
					o.metrics.IncRevertErrors("affinity")
				}
			}
		}
	}
}

func (o *Optimizer) restoreAffMask(rec ProcessRecord) (unix.CPUSet, error) {
	if rec.AffMask != nil {
		return *rec.AffMask, nil
	}
	mask, err := cpu.DefaultAffMask()
	if err != nil {
		return mask, fmt.Errorf("optimizer: build default affinity mask: %w", err)
	}
	return mask, nil
}

func (o *Optimizer) openEpisode() {
	if o.metrics != nil {
		o.metrics.IncEpisodes()
	}
	if o.ledger == nil {
		return
	}
	pids := make([]int, 0, len(o.processes))
	for pid := range o.processes {
		pids = append(pids, pid)
	}
	id, err := o.ledger.OpenEpisode(pids)
	if err != nil {
		o.log.Warn("optimizer: failed to open ledger episode", zap.Error(err))
		return
	}
	o.episodeID = id
	o.episodeOpen = true
}

func (o *Optimizer) closeEpisode(outcome string) {
	if o.ledger == nil || !o.episodeOpen {
		return
	}
	if err := o.ledger.CloseEpisode(o.episodeID, outcome); err != nil {
		o.log.Warn("optimizer: failed to close ledger episode", zap.Int64("episode_id", o.episodeID), zap.Error(err))
	}
	o.episodeOpen = false
}

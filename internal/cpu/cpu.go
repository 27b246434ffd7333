// Package cpu — cpu.go
//
// The CPU adapter: cpufreq governor control, per-CPU load sampling,
// topology lookups, and task affinity, grounded on
// /sys/devices/system/cpu/cpufreq/policy* and /proc/stat.
//
// One cpufreq policy can back several CPUs, so governor reads/writes
// iterate policies (cheaper and sufficient), while
// load sampling and affinity operate per logical CPU.
package cpu

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	cpufreqGlob        = "/sys/devices/system/cpu/cpufreq/policy*"
	availableGovsFile  = "scaling_available_governors"
	currentGovFile     = "scaling_governor"
	cpuSysfsGlob       = "/sys/devices/system/cpu/cpu[0-9]*"
	coreIDRelativePath = "topology/core_id"
	procStatPath       = "/proc/stat"

	// LoadSampleWindow is the interval between the two /proc/stat reads
	// used to compute per-CPU load.
	LoadSampleWindow = 1 * time.Second
)

// GovernorSnapshot records one cpufreq policy's governor at a point in
// time, captured so it can be restored later. It corresponds to
// the system's state before optimization.
type GovernorSnapshot struct {
	PolicyPath string // path to the policy's scaling_governor file
	Governor   string // governor string read before mutation
}

// Load is one CPU's busy percentage over a sampling window.
type Load struct {
	CPU     int
	Percent float64
}

func policyGovernorFiles() ([]string, error) {
	policies, err := filepath.Glob(cpufreqGlob)
	if err != nil {
		return nil, fmt.Errorf("cpu: glob %q: %w", cpufreqGlob, err)
	}
	sort.Strings(policies)
	files := make([]string, 0, len(policies))
	for _, p := range policies {
		files = append(files, filepath.Join(p, currentGovFile))
	}
	return files, nil
}

// IsGovAvailable reports whether gov appears in any policy's
// scaling_available_governors list.
func IsGovAvailable(gov string) (bool, error) {
	policies, err := filepath.Glob(cpufreqGlob)
	if err != nil {
		return false, fmt.Errorf("cpu: glob %q: %w", cpufreqGlob, err)
	}
	for _, p := range policies {
		data, err := os.ReadFile(filepath.Join(p, availableGovsFile))
		if err != nil {
			continue
		}
		for _, g := range strings.Fields(string(data)) {
			if g == gov {
				return true, nil
			}
		}
	}
	return false, nil
}

// GetGovs returns the (path, current governor) pair for every cpufreq
// policy present on the system. This is the only authoritative record
// of prior governors — callers must snapshot it before calling SetGovAll.
func GetGovs() ([]GovernorSnapshot, error) {
	files, err := policyGovernorFiles()
	if err != nil {
		return nil, err
	}
	out := make([]GovernorSnapshot, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("cpu: read %q: %w", f, err)
		}
		out = append(out, GovernorSnapshot{
			PolicyPath: f,
			Governor:   strings.TrimSpace(string(data)),
		})
	}
	return out, nil
}

// SetGov writes gov to a single policy's scaling_governor file.
func SetGov(policyPath, gov string) error {
	if err := os.WriteFile(policyPath, []byte(gov), 0o644); err != nil {
		return fmt.Errorf("cpu: write %q to %q: %w", gov, policyPath, err)
	}
	return nil
}

// SetGovAll writes gov to every cpufreq policy's scaling_governor file.
func SetGovAll(gov string) error {
	files, err := policyGovernorFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := SetGov(f, gov); err != nil {
			return err
		}
	}
	return nil
}

// CPUsNum returns the number of CPUs the kernel currently advertises
// under /sys/devices/system/cpu.
func CPUsNum() (int, error) {
	entries, err := filepath.Glob(cpuSysfsGlob)
	if err != nil {
		return 0, fmt.Errorf("cpu: glob %q: %w", cpuSysfsGlob, err)
	}
	return len(entries), nil
}

// CPUCoreID reads the topology core id for logical CPU n.
func CPUCoreID(n int) (int, error) {
	path := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/%s", n, coreIDRelativePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cpu: read %q: %w", path, err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("cpu: parse core id from %q: %w", path, err)
	}
	return id, nil
}

type statLine struct {
	busy, total uint64
}

// readProcStat parses /proc/stat and returns busy/total jiffy counts for
// every "cpuN" line (the aggregate "cpu" line is skipped), keyed by CPU
// index.
func readProcStat() (map[int]statLine, error) {
	f, err := os.Open(procStatPath)
	if err != nil {
		return nil, fmt.Errorf("cpu: open %q: %w", procStatPath, err)
	}
	defer f.Close()

	out := make(map[int]statLine)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
		if err != nil {
			continue
		}
		var vals [7]uint64
		for i := 0; i < 7; i++ {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				continue
			}
			vals[i] = v
		}
		user, nice, system, idle, iowait, irq, softirq := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]
		busy := user + nice + system + irq + softirq
		total := busy + idle + iowait
		out[idx] = statLine{busy: busy, total: total}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cpu: scan %q: %w", procStatPath, err)
	}
	return out, nil
}

// CPUsLoad samples /proc/stat, sleeps for LoadSampleWindow, samples
// again, and returns each CPU's busy percentage over that window. A CPU
// whose total jiffy delta is zero reports 0.0%.
func CPUsLoad() ([]Load, error) {
	before, err := readProcStat()
	if err != nil {
		return nil, err
	}
	time.Sleep(LoadSampleWindow)
	after, err := readProcStat()
	if err != nil {
		return nil, err
	}
	return loadsFromSamples(before, after), nil
}

// loadsFromSamples computes the busy-percentage delta between two
// /proc/stat samples. Split out from CPUsLoad so the math can be tested
// without sleeping or touching the real /proc/stat.
func loadsFromSamples(before, after map[int]statLine) []Load {
	out := make([]Load, 0, len(after))
	for cpu, a := range after {
		b, ok := before[cpu]
		if !ok {
			continue
		}
		totalDelta := a.total - b.total
		var pct float64
		if totalDelta > 0 {
			busyDelta := a.busy - b.busy
			pct = (float64(busyDelta) / float64(totalDelta)) * 100
		}
		out = append(out, Load{CPU: cpu, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPU < out[j].CPU })
	return out
}

// DefaultAffMask returns a CPU set with every online CPU set — the
// fallback affinity used when no prior mask was captured.
func DefaultAffMask() (unix.CPUSet, error) {
	var set unix.CPUSet
	n, err := CPUsNum()
	if err != nil {
		return set, err
	}
	for i := 0; i < n; i++ {
		set.Set(i)
	}
	return set, nil
}

// GetAffMask reads the current CPU affinity mask of task tid.
func GetAffMask(tid int) (unix.CPUSet, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &set); err != nil {
		return set, fmt.Errorf("cpu: SchedGetaffinity(%d): %w", tid, err)
	}
	return set, nil
}

// SetAffMask sets task tid's CPU affinity mask.
func SetAffMask(tid int, set unix.CPUSet) error {
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return fmt.Errorf("cpu: SchedSetaffinity(%d): %w", tid, err)
	}
	return nil
}

// PinTask restricts task tid to run on cpu alone.
func PinTask(tid, cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	return SetAffMask(tid, set)
}

// PinTaskExcluding restricts task tid to every online CPU except cpu.
func PinTaskExcluding(tid, cpu int) error {
	n, err := CPUsNum()
	if err != nil {
		return err
	}
	var set unix.CPUSet
	for i := 0; i < n; i++ {
		if i != cpu {
			set.Set(i)
		}
	}
	return SetAffMask(tid, set)
}

// LowestLoadNonCore0CPU samples load and returns the index of the
// least-loaded CPU whose topology core id is strictly greater than 0,
// avoiding core 0 since interrupt routing and background system work
// tend to concentrate there. If every CPU reports core_id 0, the
// lowest-load CPU (which may be 0) is returned as a fallback.
func LowestLoadNonCore0CPU() (int, error) {
	loads, err := CPUsLoad()
	if err != nil {
		return 0, err
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Percent < loads[j].Percent })

	fallback := -1
	for _, l := range loads {
		if fallback == -1 {
			fallback = l.CPU
		}
		coreID, err := CPUCoreID(l.CPU)
		if err != nil {
			continue
		}
		if coreID > 0 {
			return l.CPU, nil
		}
	}
	if fallback == -1 {
		return 0, fmt.Errorf("cpu: no CPUs reported a load sample")
	}
	return fallback, nil
}

package metrics

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// clockTicks returns the number of jiffies per second. The CLK_TCK env var
// overrides it for tests; 100 is the common kernel default. The
// authoritative source is sysconf(_SC_CLK_TCK) but that needs cgo.
func clockTicks() float64 {
	if v, _ := strconv.Atoi(os.Getenv("CLK_TCK")); v > 0 {
		return float64(v)
	}
	return 100
}

// procReader derives per-PID and system-wide CPU utilization from procfs
// counters. Utilization needs a delta between two readings, so the first
// reading for a PID only primes state and yields no sample.
type procReader struct {
	mu    sync.Mutex
	ticks float64
	cores int

	prevProc   map[int]procTimes
	prevActive uint64
	prevTotal  uint64
	primed     bool
}

type procTimes struct {
	jiffies uint64
	at      time.Time
}

func newProcReader() *procReader {
	return &procReader{
		ticks:    clockTicks(),
		cores:    runtime.NumCPU(),
		prevProc: make(map[int]procTimes),
	}
}

// SystemCPU reads /proc/stat and returns system-wide utilization since the
// previous call as a percentage (0..100). The first call primes state and
// returns 0.
func (r *procReader) SystemCPU() (float64, error) {
	active, total, err := readSystemCPU()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		r.prevActive, r.prevTotal = active, total
		r.primed = true
		return 0, nil
	}

	dActive := float64(active - r.prevActive)
	dTotal := float64(total - r.prevTotal)
	r.prevActive, r.prevTotal = active, total

	if dTotal <= 0 {
		return 0, nil
	}
	return 100 * dActive / dTotal, nil
}

// ProcessCPU reads /proc/<pid>/stat and returns the process's utilization
// since the previous call for that PID, as a percentage of one core summed
// across cores (0..100*cores). ok is false when this reading only primed
// state.
func (r *procReader) ProcessCPU(pid int, now time.Time) (usage float64, ok bool, err error) {
	jiffies, err := readProcessJiffies(pid)
	if err != nil {
		return 0, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.prevProc[pid]
	r.prevProc[pid] = procTimes{jiffies: jiffies, at: now}
	if !seen {
		return 0, false, nil
	}

	wall := now.Sub(prev.at).Seconds()
	if wall <= 0 {
		return 0, false, nil
	}

	cpuSeconds := float64(jiffies-prev.jiffies) / r.ticks
	usage = 100 * cpuSeconds / wall
	if usage < 0 {
		usage = 0
	}
	return usage, true, nil
}

// Forget drops the primed state for a PID that is no longer tracked.
func (r *procReader) Forget(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prevProc, pid)
}

func (r *procReader) CoreCount() int { return r.cores }

// readProcessJiffies parses /proc/<pid>/stat and returns utime+stime. The
// comm field is wrapped in parens and may contain spaces, so fields are
// taken relative to the closing paren.
func readProcessJiffies(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	line := string(data)
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	fields := strings.Fields(line[i+2:])

	// utime is the 14th field overall, stime the 15th; relative to the
	// slice after comm that is index 11 and 12.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short stat line for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// readSystemCPU parses the aggregate cpu line of /proc/stat and returns
// active (user+nice+system+irq+softirq+steal) and total (active+idle+iowait)
// jiffy counters.
func readSystemCPU() (active, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields) < 9 {
			return 0, 0, fmt.Errorf("short cpu line in /proc/stat")
		}
		vals := make([]uint64, 8)
		for i := range vals {
			vals[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
		}
		active = vals[0] + vals[1] + vals[2] + vals[5] + vals[6] + vals[7]
		total = active + vals[3] + vals[4]
		return active, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

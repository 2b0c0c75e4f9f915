//go:build unix

package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/voltask/voltask/internal/model"
)

// sampleMetrics reads host load and memory usage straight from procfs.
// GPU and network/disk counters are left at zero: nothing in the agent's
// dependency set can read them without a host-metrics library, so they
// stay unpopulated rather than faked.
func sampleMetrics() model.Metrics {
	m := model.Metrics{SampledAt: time.Now()}
	m.CPULoad = readLoadPercent()
	m.RAMUsedMB = readRAMUsedMB()
	return m
}

// readLoadPercent turns the 1-minute load average from /proc/loadavg into
// a rough percentage of the machine's CPUs, capped at 100.
func readLoadPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cpus := float64(runtime.NumCPU())
	if cpus <= 0 {
		cpus = 1
	}
	pct := (load1 / cpus) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// readRAMUsedMB derives used memory from /proc/meminfo as
// MemTotal - MemAvailable, matching what most system monitors report as
// "used" rather than the more pessimistic MemTotal - MemFree.
func readRAMUsedMB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var totalKB, availKB float64
	seen := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && seen < 2 {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
			seen++
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoValue(line)
			seen++
		}
	}
	if totalKB <= 0 {
		return 0
	}
	usedKB := totalKB - availKB
	if usedKB < 0 {
		usedKB = 0
	}
	return usedKB / 1024
}

func parseMeminfoValue(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return v
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostmetrics samples host and process resource usage from
// procfs and serves it as a heartbeat source.
package hostmetrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is the procfs mount point.
const DefaultRoot = "/proc"

// userHZ is the unit of the tick counters in procfs. The kernel always
// reports in USER_HZ, which is 100 on every Linux architecture.
const userHZ = 100

// CPUCounters is the aggregate "cpu" line of /proc/stat, in ticks.
type CPUCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Total   uint64
}

// ReadCPUCounters reads the aggregate CPU line from <root>/stat.
func ReadCPUCounters(root string) (CPUCounters, error) {
	path := filepath.Join(root, "stat")
	f, err := os.Open(path)
	if err != nil {
		return CPUCounters{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 8 {
			return CPUCounters{}, fmt.Errorf("unexpected cpu line: %q", line)
		}
		values := make([]uint64, len(parts)-1)
		for index, part := range parts[1:] {
			value, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return CPUCounters{}, fmt.Errorf("parse cpu stat %q: %w", part, err)
			}
			values[index] = value
		}
		var counters CPUCounters
		fields := []*uint64{
			&counters.User, &counters.Nice, &counters.System, &counters.Idle,
			&counters.IOWait, &counters.IRQ, &counters.SoftIRQ, &counters.Steal,
		}
		for index, field := range fields {
			if index < len(values) {
				*field = values[index]
			}
		}
		for _, value := range values {
			counters.Total += value
		}
		return counters, nil
	}
	if err := scanner.Err(); err != nil {
		return CPUCounters{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return CPUCounters{}, fmt.Errorf("%s: cpu aggregate line not found", path)
}

// CPUUsage returns the busy percentage between two readings, clamped
// to [0, 100].
func CPUUsage(previous, current CPUCounters) float64 {
	if current.Total <= previous.Total {
		return 0
	}
	totalDelta := float64(current.Total - previous.Total)
	idlePrevious := previous.Idle + previous.IOWait
	idleCurrent := current.Idle + current.IOWait
	var idleDelta float64
	if idleCurrent > idlePrevious {
		idleDelta = float64(idleCurrent - idlePrevious)
	}
	usage := (totalDelta - idleDelta) / totalDelta * 100
	return min(max(usage, 0), 100)
}

// ReadProcessTicks returns utime+stime of the current process from
// <root>/self/stat.
func ReadProcessTicks(root string) (uint64, error) {
	path := filepath.Join(root, "self", "stat")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	// The command name is parenthesized and may contain spaces; the
	// numeric fields start after the last ')'.
	closing := strings.LastIndexByte(string(data), ')')
	if closing < 0 {
		return 0, fmt.Errorf("%s: malformed stat line", path)
	}
	fields := strings.Fields(string(data[closing+1:]))
	// fields[0] is state (field 3); utime and stime are fields 14 and 15.
	if len(fields) < 13 {
		return 0, fmt.Errorf("%s: short stat line", path)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: utime: %w", path, err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: stime: %w", path, err)
	}
	return utime + stime, nil
}

// ReadRSS returns the resident set size of the current process from
// the VmRSS line of <root>/self/status.
func ReadRSS(root string) (uint64, error) {
	path := filepath.Join(root, "self", "status")
	values, err := readKilobyteTable(path)
	if err != nil {
		return 0, err
	}
	rss, ok := values["VmRSS"]
	if !ok {
		return 0, fmt.Errorf("%s: VmRSS missing", path)
	}
	return rss, nil
}

// MemoryInfo is the host memory summary.
type MemoryInfo struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// UsedPercent returns used memory as a percentage of the total.
func (m MemoryInfo) UsedPercent() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.TotalBytes) * 100
}

// ReadMemoryInfo reads <root>/meminfo.
func ReadMemoryInfo(root string) (MemoryInfo, error) {
	path := filepath.Join(root, "meminfo")
	values, err := readKilobyteTable(path)
	if err != nil {
		return MemoryInfo{}, err
	}
	total := values["MemTotal"]
	available := values["MemAvailable"]
	if total == 0 {
		return MemoryInfo{}, fmt.Errorf("%s: MemTotal missing", path)
	}
	return MemoryInfo{TotalBytes: total, UsedBytes: total - min(available, total), FreeBytes: available}, nil
}

// readKilobyteTable parses "Key:   value kB" lines into bytes.
// Lines without a numeric value are skipped.
func readKilobyteTable(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	values := map[string]uint64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		values[strings.TrimSuffix(parts[0], ":")] = value * 1024
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return values, nil
}

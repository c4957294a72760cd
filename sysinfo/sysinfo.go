// Package sysinfo probes host and runtime statistics for the periodic
// stats broadcast. The host side comes from the sysinfo(2) syscall, the
// process side from the Go runtime.
package sysinfo

import (
	"encoding/json/v2"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Stats is one point-in-time snapshot.
type Stats struct {
	UptimeSec int64   `json:"uptime_sec"`
	Load1     float64 `json:"load_1m"`
	Load5     float64 `json:"load_5m"`
	Load15    float64 `json:"load_15m"`
	TotalRAM  uint64  `json:"total_ram_bytes"`
	FreeRAM   uint64  `json:"free_ram_bytes"`
	Procs     uint16  `json:"process_count"`

	CPUs       int    `json:"cpus"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
}

// loadShift converts sysinfo's fixed-point load averages (1/65536 units).
const loadShift = 65536.0

// Snapshot probes the host and the runtime.
func Snapshot() (*Stats, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}

	return &Stats{
		UptimeSec: si.Uptime,
		Load1:     float64(si.Loads[0]) / loadShift,
		Load5:     float64(si.Loads[1]) / loadShift,
		Load15:    float64(si.Loads[2]) / loadShift,
		TotalRAM:  uint64(si.Totalram) * unit,
		FreeRAM:   uint64(si.Freeram) * unit,
		Procs:     si.Procs,

		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
	}, nil
}

// JSON renders the snapshot for broadcasting.
func (s *Stats) JSON() ([]byte, error) {
	return json.Marshal(s)
}

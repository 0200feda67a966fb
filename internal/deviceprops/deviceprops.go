// Package deviceprops collects a snapshot of host properties suitable
// for storage under kvstore.KeyRegisteredProperties, the set of
// properties a facade merges onto every outgoing event.
package deviceprops

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host properties.
type Snapshot struct {
	OS            string  `json:"os,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	CPUCount      int     `json:"cpu_count,omitempty"`
	MemTotalBytes uint64  `json:"mem_total_bytes,omitempty"`
	MemUsedPct    float64 `json:"mem_used_percent,omitempty"`
}

// Collect reads host, CPU, and memory info via gopsutil. Any individual
// probe that fails is simply omitted from the snapshot rather than
// failing the whole call; registered properties are best-effort.
func Collect() Snapshot {
	var snap Snapshot

	if info, err := host.Info(); err == nil {
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.KernelVersion = info.KernelVersion
	}
	if counts, err := cpu.Counts(true); err == nil {
		snap.CPUCount = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemTotalBytes = vm.Total
		snap.MemUsedPct = vm.UsedPercent
	}

	return snap
}

// AsMap renders the snapshot as a map suitable for kvstore.Store.SetDict.
func (s Snapshot) AsMap() map[string]any {
	m := map[string]any{}
	if s.OS != "" {
		m["os"] = s.OS
	}
	if s.Platform != "" {
		m["platform"] = s.Platform
	}
	if s.KernelVersion != "" {
		m["kernel_version"] = s.KernelVersion
	}
	if s.CPUCount > 0 {
		m["cpu_count"] = s.CPUCount
	}
	if s.MemTotalBytes > 0 {
		m["mem_total_bytes"] = s.MemTotalBytes
	}
	if s.MemUsedPct > 0 {
		m["mem_used_percent"] = s.MemUsedPct
	}
	return m
}

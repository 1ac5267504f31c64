// Package device enumerates accelerator devices and answers capability
// queries. Enumeration happens once at registry construction; device
// topology is assumed stable for the process lifetime, so all queries
// return cached data.
package device

import (
	"sync"

	"github.com/neurogrid/gpuio/pkg/gpuerr"
)

// Status describes device availability.
type Status int

const (
	Available Status = iota
	Busy
	Faulted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Available:
		return "Available"
	case Busy:
		return "Busy"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Spec describes one simulated accelerator for registry construction.
type Spec struct {
	Name         string
	MemoryBytes  int64
	CopyEngines  int
	ComputeMajor int
	ComputeMinor int
}

// DefaultSpec returns a single-device spec suitable for tests and the
// benchmark CLI: 256MB of device memory, two copy engines.
func DefaultSpec() Spec {
	return Spec{
		Name:         "sim-gpu",
		MemoryBytes:  256 * 1024 * 1024,
		CopyEngines:  2,
		ComputeMajor: 8,
		ComputeMinor: 0,
	}
}

// Device is the immutable identity and capability descriptor of one
// enumerated accelerator. Status is the only mutable field and is
// guarded by the owning registry.
type Device struct {
	Index        int
	Name         string
	MemoryBytes  int64
	CopyEngines  int
	ComputeMajor int
	ComputeMinor int
}

// Registry owns the enumerated device set. Create one per process (or
// per test) and pass it explicitly into each engine context; there is
// no hidden singleton.
type Registry struct {
	devices []Device

	mu     sync.RWMutex
	status []Status
}

// NewRegistry enumerates devices from specs. Specs with a non-positive
// engine count get one copy engine.
func NewRegistry(specs ...Spec) *Registry {
	if len(specs) == 0 {
		specs = []Spec{DefaultSpec()}
	}

	devices := make([]Device, len(specs))
	status := make([]Status, len(specs))
	for i, s := range specs {
		engines := s.CopyEngines
		if engines <= 0 {
			engines = 1
		}
		devices[i] = Device{
			Index:        i,
			Name:         s.Name,
			MemoryBytes:  s.MemoryBytes,
			CopyEngines:  engines,
			ComputeMajor: s.ComputeMajor,
			ComputeMinor: s.ComputeMinor,
		}
		status[i] = Available
	}

	return &Registry{devices: devices, status: status}
}

// Count returns the number of enumerated devices.
func (r *Registry) Count() int {
	return len(r.devices)
}

// Devices returns a copy of the enumerated device list.
func (r *Registry) Devices() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Describe returns the capability descriptor for one device.
func (r *Registry) Describe(index int) (Device, error) {
	if index < 0 || index >= len(r.devices) {
		return Device{}, gpuerr.Newf(gpuerr.CodeDeviceNotFound, "device.Describe",
			"device %d of %d", index, len(r.devices))
	}
	return r.devices[index], nil
}

// Status returns the current status of one device.
func (r *Registry) Status(index int) (Status, error) {
	if index < 0 || index >= len(r.devices) {
		return Faulted, gpuerr.Newf(gpuerr.CodeDeviceNotFound, "device.Status",
			"device %d of %d", index, len(r.devices))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[index], nil
}

// SetStatus updates device status. Used by the scheduler to mark a
// device Busy/Available and by tests to inject faults.
func (r *Registry) SetStatus(index int, s Status) error {
	if index < 0 || index >= len(r.devices) {
		return gpuerr.Newf(gpuerr.CodeDeviceNotFound, "device.SetStatus",
			"device %d of %d", index, len(r.devices))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[index] = s
	return nil
}

// SetFaulted marks a device Faulted. Transfers targeting a faulted
// device fail with TransferError.
func (r *Registry) SetFaulted(index int) error {
	return r.SetStatus(index, Faulted)
}

//go:build linux

package iommufd

import (
	"errors"
	"fmt"
)

var (
	ErrNoFamilyOps = errors.New("iommufd: no attach/detach ops for device family")
)

// Family tags the kind of host device a Device stands for. Attaching and
// detaching page tables goes through the kernel subsystem that owns the
// device's descriptor, so each family supplies its own DeviceOps.
type Family int

const (
	FamilyVFIO Family = iota
	FamilyVDPA
)

func (f Family) String() string {
	switch f {
	case FamilyVFIO:
		return "vfio"
	case FamilyVDPA:
		return "vdpa"
	}

	return fmt.Sprintf("family(%d)", int(f))
}

// DeviceOps binds or unbinds a device's translation context. Implementations
// issue the family-specific request (for VFIO, an ioctl on the device
// descriptor, not on /dev/iommu).
type DeviceOps interface {
	AttachPageTable(dev *Device, hwptID uint32) error
	DetachPageTable(dev *Device) error
}

var familyOps = map[Family]DeviceOps{}

// RegisterFamily installs the DeviceOps used for devices of family f.
// It is expected to be called from init funcs of family packages.
func RegisterFamily(f Family, ops DeviceOps) {
	familyOps[f] = ops
}

// Device associates one guest-visible device id with a DMA address space.
// Which hardware page table the device translates through is changed with
// AttachPageTable and DetachPageTable.
type Device struct {
	Backend *Backend
	DevID   uint32
	IoasID  uint32

	family Family
}

// NewDevice binds devID to the address space ioasID on be.
func NewDevice(be *Backend, devID, ioasID uint32, family Family) *Device {
	return &Device{
		Backend: be,
		DevID:   devID,
		IoasID:  ioasID,
		family:  family,
	}
}

// AttachPageTable points the device at the hardware page table hwptID.
func (d *Device) AttachPageTable(hwptID uint32) error {
	ops := familyOps[d.family]
	if ops == nil {
		return fmt.Errorf("%w: %v", ErrNoFamilyOps, d.family)
	}

	return ops.AttachPageTable(d, hwptID)
}

// DetachPageTable unbinds the device from its current hardware page table.
func (d *Device) DetachPageTable() error {
	ops := familyOps[d.family]
	if ops == nil {
		return fmt.Errorf("%w: %v", ErrNoFamilyOps, d.family)
	}

	return ops.DetachPageTable(d)
}

// HostInfo fills buf with the host IOMMU's hardware info for this device
// and returns the type tag describing buf's layout.
func (d *Device) HostInfo(buf []byte) (uint32, error) {
	return d.Backend.GetHWInfo(d.DevID, buf)
}

//go:build linux

// Package iommufd wraps the Linux IOMMUFD character device. A Backend owns
// a reference-counted connection to /dev/iommu and issues the raw requests
// that allocate and destroy kernel objects: DMA address spaces, hardware
// page tables, virtual IOMMU instances, and virtual command queues.
package iommufd

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const devPath = "/dev/iommu"

var (
	ErrOpen     = errors.New("iommufd: " + devPath + " is not available")
	ErrResource = errors.New("iommufd: kernel request rejected")
)

// ConsistencyError reports a kernel contract violation: an invalidation
// request succeeded but the kernel processed a different number of entries
// than was submitted. It is not recoverable in the way ErrResource is.
type ConsistencyError struct {
	Requested uint32
	Processed uint32
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("iommufd: invalidation processed %d of %d entries",
		e.Processed, e.Requested)
}

type ioctlFunc func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno

func sysIoctl(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	return errno
}

// Backend is a reference-counted handle to the IOMMUFD character device.
// The zero value is not useful: use NewBackend or NewBackendFromFD.
//
// The descriptor is valid only while the reference count is above zero.
// A Backend built from an external descriptor never closes it.
type Backend struct {
	fd    int
	owned bool
	users uint32
	ioctl ioctlFunc
}

// NewBackend returns a Backend that opens /dev/iommu itself on the first
// Connect and closes it when the last user disconnects.
func NewBackend() *Backend {
	return &Backend{fd: -1, owned: true, ioctl: sysIoctl}
}

// NewBackendFromFD returns a Backend over a descriptor opened elsewhere,
// for example one passed in by a management process. The descriptor is
// never closed by the Backend.
func NewBackendFromFD(fd int) *Backend {
	return &Backend{fd: fd, owned: false, ioctl: sysIoctl}
}

// Connect takes a reference on the backend, opening the device if this is
// the first user and the backend owns its descriptor. Every successful
// Connect must be paired with exactly one Disconnect.
func (b *Backend) Connect() error {
	if b.owned && b.users == 0 {
		fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpen, err)
		}

		b.fd = fd
	}

	b.users++
	return nil
}

// Disconnect drops a reference. When the count reaches zero and the
// backend owns the descriptor, the device is closed. Disconnecting with no
// outstanding references is a no-op.
func (b *Backend) Disconnect() {
	if b.users == 0 {
		return
	}

	b.users--
	if b.users == 0 && b.owned {
		unix.Close(b.fd)
		b.fd = -1
	}
}

// AllocIOAS allocates a DMA address space and returns its id.
func (b *Backend) AllocIOAS() (uint32, error) {
	req := ioasAlloc{size: uint32(unsafe.Sizeof(ioasAlloc{}))}
	if errno := b.ioctl(b.fd, reqIOASAlloc, unsafe.Pointer(&req)); errno != 0 {
		return 0, fmt.Errorf("%w: alloc ioas: %w", ErrResource, errno)
	}

	return req.outIOASID, nil
}

// FreeID destroys the kernel object with the given id. Destruction is best
// effort: the object may already be gone, so failure is logged but not
// returned, and teardown paths can call FreeID unconditionally.
func (b *Backend) FreeID(id uint32) {
	req := destroyReq{
		size: uint32(unsafe.Sizeof(destroyReq{})),
		id:   id,
	}

	if errno := b.ioctl(b.fd, reqDestroy, unsafe.Pointer(&req)); errno != 0 {
		slog.Error("iommufd: free id failed", "id", id, "err", errno)
	}
}

// MapDMA installs a fixed-address mapping of length size at iova, backed by
// the host memory at addr. The mapping is always readable and, unless
// readonly is set, writable.
//
// A target region the kernel cannot represent (EFAULT, typically a
// hardware PCI BAR) is skipped with a warning rather than reported as an
// error: the caller's overall operation proceeds without the mapping.
func (b *Backend) MapDMA(ioasID uint32, iova, size uint64, addr unsafe.Pointer, readonly bool) error {
	req := ioasMap{
		size:   uint32(unsafe.Sizeof(ioasMap{})),
		flags:  mapReadable | mapFixedIOVA,
		ioasID: ioasID,
		userVA: uint64(uintptr(addr)),
		length: size,
		iova:   iova,
	}

	if !readonly {
		req.flags |= mapWriteable
	}

	errno := b.ioctl(b.fd, reqIOASMap, unsafe.Pointer(&req))
	runtime.KeepAlive(addr)

	switch errno {
	case 0:
		return nil

	case unix.EFAULT:
		slog.Warn("iommufd: map skipped, region not mappable (PCI BAR?)",
			"ioas", ioasID, "iova", iova, "size", size)
		return nil

	default:
		return fmt.Errorf("%w: map ioas %d iova %#x: %w", ErrResource, ioasID, iova, errno)
	}
}

// UnmapDMA removes the mapping of length size at iova. Unmapping a range
// with no mapping is success: a virtualized IOMMU retriggers unmaps freely,
// and the kernel's ENOENT for a missing mapping carries no information the
// caller can act on.
func (b *Backend) UnmapDMA(ioasID uint32, iova, size uint64) error {
	req := ioasUnmap{
		size:   uint32(unsafe.Sizeof(ioasUnmap{})),
		ioasID: ioasID,
		iova:   iova,
		length: size,
	}

	errno := b.ioctl(b.fd, reqIOASUnmap, unsafe.Pointer(&req))
	if errno != 0 && errno != unix.ENOENT {
		return fmt.Errorf("%w: unmap ioas %d iova %#x: %w", ErrResource, ioasID, iova, errno)
	}

	return nil
}

// AllocHWPT creates a hardware page table for the device devID from the
// parent object ptID and an opaque type-specific payload, returning the new
// table's id.
func (b *Backend) AllocHWPT(devID, ptID, flags, dataType uint32, data []byte) (uint32, error) {
	req := hwptAlloc{
		size:     uint32(unsafe.Sizeof(hwptAlloc{})),
		flags:    flags,
		devID:    devID,
		ptID:     ptID,
		dataType: dataType,
		dataLen:  uint32(len(data)),
	}

	if len(data) > 0 {
		req.dataUptr = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	errno := b.ioctl(b.fd, reqHWPTAlloc, unsafe.Pointer(&req))
	runtime.KeepAlive(data)

	if errno != 0 {
		return 0, fmt.Errorf("%w: alloc hwpt for dev %d: %w", ErrResource, devID, errno)
	}

	return req.outHWPTID, nil
}

// InvalidateCache submits num invalidation entries of entryLen bytes each
// against the hardware page table hwptID and returns the number of entries
// the kernel processed.
//
// On success the processed count must equal num: a mismatch means the
// kernel broke its contract and is returned as a *ConsistencyError, which
// callers should treat as a defect rather than retry.
func (b *Backend) InvalidateCache(hwptID, dataType, entryLen uint32, data []byte, num uint32) (uint32, error) {
	req := hwptInvalidate{
		size:     uint32(unsafe.Sizeof(hwptInvalidate{})),
		hwptID:   hwptID,
		dataType: dataType,
		entryLen: entryLen,
		entryNum: num,
	}

	if len(data) > 0 {
		req.dataUptr = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	errno := b.ioctl(b.fd, reqHWPTInvalidate, unsafe.Pointer(&req))
	runtime.KeepAlive(data)

	if errno != 0 {
		return req.entryNum, fmt.Errorf("%w: invalidate hwpt %d: %w", ErrResource, hwptID, errno)
	}

	if req.entryNum != num {
		return req.entryNum, &ConsistencyError{Requested: num, Processed: req.entryNum}
	}

	return req.entryNum, nil
}

// InvalidateDeviceCache is InvalidateCache against a device rather than a
// hardware page table.
func (b *Backend) InvalidateDeviceCache(devID, dataType, entryLen uint32, data []byte, num uint32) (uint32, error) {
	req := devInvalidate{
		size:     uint32(unsafe.Sizeof(devInvalidate{})),
		devID:    devID,
		dataType: dataType,
		entryLen: entryLen,
		entryNum: num,
	}

	if len(data) > 0 {
		req.dataUptr = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	errno := b.ioctl(b.fd, reqDevInvalidate, unsafe.Pointer(&req))
	runtime.KeepAlive(data)

	if errno != 0 {
		return req.entryNum, fmt.Errorf("%w: invalidate dev %d: %w", ErrResource, devID, errno)
	}

	if req.entryNum != num {
		return req.entryNum, &ConsistencyError{Requested: num, Processed: req.entryNum}
	}

	return req.entryNum, nil
}

// GetHWInfo fills buf with type-specific hardware information for the
// device devID and returns the info type tag describing the layout.
func (b *Backend) GetHWInfo(devID uint32, buf []byte) (uint32, error) {
	req := hwInfo{
		size:    uint32(unsafe.Sizeof(hwInfo{})),
		devID:   devID,
		dataLen: uint32(len(buf)),
	}

	if len(buf) > 0 {
		req.dataUptr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	errno := b.ioctl(b.fd, reqGetHWInfo, unsafe.Pointer(&req))
	runtime.KeepAlive(buf)

	if errno != 0 {
		return 0, fmt.Errorf("%w: get hw info for dev %d: %w", ErrResource, devID, errno)
	}

	return req.outDataType, nil
}

// Viommu is a virtual IOMMU instance bound to a physical device and an
// upstream hardware page table. Virtual queues are allocated as children of
// a Viommu and become invalid when it is destroyed, so the owner must free
// them first.
type Viommu struct {
	ID     uint32
	HwptID uint32

	be *Backend
}

// Vqueue is a kernel-backed virtual command queue. Replacing a queue's
// configuration always allocates a fresh id: ids are never reused in place.
type Vqueue struct {
	ID    uint32
	Index int
}

// AllocViommu creates a virtual IOMMU instance of the given type for the
// device devID, backed by the hardware page table hwptID.
func (b *Backend) AllocViommu(devID, viommuType, hwptID uint32) (*Viommu, error) {
	req := viommuAlloc{
		size:       uint32(unsafe.Sizeof(viommuAlloc{})),
		viommuType: viommuType,
		devID:      devID,
		hwptID:     hwptID,
	}

	if errno := b.ioctl(b.fd, reqViommuAlloc, unsafe.Pointer(&req)); errno != 0 {
		return nil, fmt.Errorf("%w: alloc viommu for dev %d: %w", ErrResource, devID, errno)
	}

	return &Viommu{ID: req.outViommuID, HwptID: hwptID, be: b}, nil
}

// AllocQueue creates a virtual queue under v from an opaque type-specific
// payload describing the queue's base address and size.
func (v *Viommu) AllocQueue(dataType uint32, data []byte) (*Vqueue, error) {
	req := vqueueAlloc{
		size:     uint32(unsafe.Sizeof(vqueueAlloc{})),
		viommuID: v.ID,
		dataType: dataType,
		dataLen:  uint32(len(data)),
	}

	if len(data) > 0 {
		req.dataUptr = uint64(uintptr(unsafe.Pointer(&data[0])))
	}

	errno := v.be.ioctl(v.be.fd, reqVqueueAlloc, unsafe.Pointer(&req))
	runtime.KeepAlive(data)

	if errno != 0 {
		return nil, fmt.Errorf("%w: alloc vqueue under viommu %d: %w", ErrResource, v.ID, errno)
	}

	return &Vqueue{ID: req.outVqueueID}, nil
}

// FreeQueue destroys q. Like FreeID, destruction is best effort.
func (v *Viommu) FreeQueue(q *Vqueue) {
	v.be.FreeID(q.ID)
}

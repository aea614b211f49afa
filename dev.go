//go:build linux

package cmdqv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/cmdqv/iommufd"
)

// Association is the slice of the iommufd surface the queue manager uses:
// allocating virtual queues under a virtual IOMMU instance and releasing
// them. It is satisfied by *iommufd.Viommu.
type Association interface {
	AllocQueue(dataType uint32, data []byte) (*iommufd.Vqueue, error)
	FreeQueue(q *iommufd.Vqueue)
}

// Config describes a new Device. The owner (the SMMU device model) supplies
// the collaborators directly: there is no ambient wiring, and the owner
// calls Teardown exactly once when it unrealizes.
type Config struct {

	// Association returns the virtual IOMMU instance the queues belong
	// to, or nil while the SMMU has not bound one yet. It is consulted on
	// every queue setup until it first returns a non-nil value, which is
	// then cached.
	Association func() Association

	// MapSharedPage maps the live page maintained by the physical device
	// into the emulator's address space. It is called once, lazily, on
	// the first register access.
	MapSharedPage func(size int) ([]byte, error)

	// UnmapSharedPage releases the mapping made by MapSharedPage.
	// It may be nil if the mapping needs no explicit release.
	UnmapSharedPage func(p []byte) error

	// IsRAM reports whether a guest physical address is backed by real
	// memory. A queue base that is not is rejected.
	IsRAM func(addr uint64) bool
}

var ErrConfig = errors.New("cmdqv: invalid config")

var (
	errNoAssociation = errors.New("no virtual IOMMU association")
	errQueueSize     = errors.New("queue log2size is zero")
	errQueueBase     = errors.New("queue base is not guest RAM")
)

// Device emulates the CMDQV register file and owns the kernel queue objects
// backing the guest's virtual command queues. It is driven synchronously by
// the surrounding runtime's dispatch of bus accesses and is not safe for
// concurrent use.
type Device struct {
	cfg   Config
	assoc Association
	queue [NumQueues]*iommufd.Vqueue
	page  *sharedPage

	// register shadow
	config       uint32
	param        uint32
	status       uint32
	viErrMap     [2]uint32
	viIntMask    [2]uint32
	cmdqErrMap   [4]uint32
	allocMap     [NumQueues]uint32
	vintfConfig  uint32
	vintfStatus  uint32
	vintfErrMap  [4]uint32
	consIndx     [NumQueues]uint32
	prodIndx     [NumQueues]uint32
	queueConfig  [NumQueues]uint32
	queueStatus  [NumQueues]uint32
	gerror       [NumQueues]uint32
	gerrorn      [NumQueues]uint32
	base         [NumQueues]uint64
	consIndxBase [NumQueues]uint64
}

// New creates a Device with power-on register values.
func New(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Device{cfg: cfg}
	d.initRegs()

	return d, nil
}

func (c Config) validate() error {
	if c.Association == nil {
		return errors.New("Association is required")
	}

	if c.MapSharedPage == nil {
		return errors.New("MapSharedPage is required")
	}

	if c.IsRAM == nil {
		return errors.New("IsRAM is required")
	}

	return nil
}

func (d *Device) initRegs() {
	d.config = ConfigReset
	d.param = ParamReset
	d.status = statusEnabled
	d.viErrMap = [2]uint32{}
	d.viIntMask = [2]uint32{}
	d.cmdqErrMap = [4]uint32{}
	d.allocMap = [NumQueues]uint32{}
	d.vintfConfig = 0
	d.vintfStatus = 0
	d.vintfErrMap = [4]uint32{}
	d.consIndx = [NumQueues]uint32{}
	d.prodIndx = [NumQueues]uint32{}
	d.queueConfig = [NumQueues]uint32{}
	d.queueStatus = [NumQueues]uint32{}
	d.gerror = [NumQueues]uint32{}
	d.gerrorn = [NumQueues]uint32{}
	d.base = [NumQueues]uint64{}
	d.consIndxBase = [NumQueues]uint64{}
}

// Read returns the value of the register at off. Unhandled offsets read as
// zero with a diagnostic; they are never guest-visible faults.
func (d *Device) Read(off uint64, size int) uint64 {
	d.mapPage()

	if off >= WindowSize {
		slog.Warn("cmdqv: read beyond window", "offset", fmt.Sprintf("%#x", off))
		return 0
	}

	// The windows at 0x30000 and 0x40000 alias the per-queue tables.
	if off >= regTableBase+aliasOffset {
		off -= aliasOffset
	}

	switch {
	case off == regConfig:
		return uint64(d.config)

	case off == regParam:
		return uint64(d.param)

	case off == regStatus:
		return uint64(d.status)

	case off >= regVIErrMap && off < regVIErrMap+8:
		return uint64(d.viErrMap[(off-regVIErrMap)/4])

	case off >= regVIIntMask && off < regVIIntMask+8:
		return uint64(d.viIntMask[(off-regVIIntMask)/4])

	case off >= regCmdqErrMap && off < regCmdqErrMap+16:
		return uint64(d.cmdqErrMap[(off-regCmdqErrMap)/4])

	case off >= regAllocMapBase && off < regAllocMapBase+4*NumQueues:
		return uint64(d.allocMap[(off-regAllocMapBase)/4])

	case off >= regVintfConfig && off < regVintfConfig+0x100:
		return d.readVintf(off)

	case off >= regTableBase && off < regTableBase+NumQueues*queueStride:
		i := int(off-regTableBase) / queueStride
		return d.readQueue(i, off-regTableBase-uint64(i)*queueStride)

	case off >= dmaTableBase && off < dmaTableBase+NumQueues*queueStride:
		i := int(off-dmaTableBase) / queueStride
		return d.readQueueDMA(i, off-dmaTableBase-uint64(i)*queueStride)
	}

	slog.Warn("cmdqv: unhandled read", "offset", fmt.Sprintf("%#x", off))
	return 0
}

// Write updates the register at off. Side effects (queue reconfiguration,
// live page mirroring) happen before Write returns. Failures to materialize
// backing kernel resources are logged, not surfaced: the register write
// itself always succeeds from the guest's point of view.
func (d *Device) Write(off, val uint64, size int) {
	d.mapPage()

	if off >= WindowSize {
		slog.Warn("cmdqv: write beyond window", "offset", fmt.Sprintf("%#x", off))
		return
	}

	if off >= regTableBase+aliasOffset {
		off -= aliasOffset
	}

	switch {
	case off == regConfig:
		d.config = uint32(val)

	case off >= regVIIntMask && off < regVIIntMask+8:
		d.viIntMask[(off-regVIIntMask)/4] = uint32(val)

	case off >= regAllocMapBase && off < regAllocMapBase+4*NumQueues:
		d.allocMap[(off-regAllocMapBase)/4] = uint32(val)

	case off >= regVintfConfig && off < regVintfConfig+0x100:
		d.writeVintf(off, uint32(val))

	case off >= regTableBase && off < regTableBase+NumQueues*queueStride:
		i := int(off-regTableBase) / queueStride
		d.writeQueue(i, off-regTableBase-uint64(i)*queueStride, uint32(val))

	case off >= dmaTableBase && off < dmaTableBase+NumQueues*queueStride:
		i := int(off-dmaTableBase) / queueStride
		d.writeQueueDMA(i, off-dmaTableBase-uint64(i)*queueStride, val, size)

	default:
		slog.Warn("cmdqv: unhandled write", "offset", fmt.Sprintf("%#x", off))
	}
}

// HandleMMIO adapts Read and Write to a raw little-endian bus access.
func (d *Device) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	switch len(data) {
	case 4:
		if isWrite {
			d.Write(off, uint64(le.Uint32(data)), 4)
		} else {
			le.PutUint32(data, uint32(d.Read(off, 4)))
		}

	case 8:
		if isWrite {
			d.Write(off, le.Uint64(data), 8)
		} else {
			le.PutUint64(data, d.Read(off, 8))
		}

	default:
		return fmt.Errorf("cmdqv: unsupported access size %d", len(data))
	}

	return nil
}

func (d *Device) readVintf(off uint64) uint64 {
	switch {
	case off == regVintfConfig:
		return uint64(d.vintfConfig)

	case off == regVintfStatus:
		return uint64(d.vintfStatus)

	case off >= regVintfErrMapBase && off < regVintfErrMapBase+16:
		return uint64(d.vintfErrMap[(off-regVintfErrMapBase)/4])
	}

	slog.Warn("cmdqv: unhandled vintf read", "offset", fmt.Sprintf("%#x", off))
	return 0
}

func (d *Device) writeVintf(off uint64, val uint32) {
	switch off {
	case regVintfConfig:
		// The guest cannot claim hypervisor ownership.
		val &^= VintfConfigHypOwn
		d.vintfConfig = val

		if val&VintfConfigEnable != 0 {
			d.vintfStatus |= VintfStatusEnableOK
		} else {
			d.vintfStatus &^= VintfStatusEnableOK
		}

	default:
		slog.Warn("cmdqv: unhandled vintf write", "offset", fmt.Sprintf("%#x", off))
	}
}

// readQueue reads a per-queue register, refreshing the shadow from the live
// page first. If the page could not be mapped the shadow stands in.
func (d *Device) readQueue(i int, reg uint64) uint64 {
	var shadow *uint32

	switch reg {
	case regConsIndx:
		shadow = &d.consIndx[i]
	case regProdIndx:
		shadow = &d.prodIndx[i]
	case regQueueConfig:
		shadow = &d.queueConfig[i]
	case regQueueStatus:
		shadow = &d.queueStatus[i]
	case regGError:
		shadow = &d.gerror[i]
	case regGErrorN:
		shadow = &d.gerrorn[i]

	default:
		slog.Warn("cmdqv: unhandled queue read", "queue", i, "reg", fmt.Sprintf("%#x", reg))
		return 0
	}

	if d.page != nil {
		*shadow = d.page.readWord(i*queueStride + int(reg))
	}

	return uint64(*shadow)
}

func (d *Device) writeQueue(i int, reg uint64, val uint32) {
	var shadow *uint32

	switch reg {
	case regConsIndx:
		shadow = &d.consIndx[i]
	case regProdIndx:
		shadow = &d.prodIndx[i]
	case regQueueConfig:
		shadow = &d.queueConfig[i]
	case regGErrorN:
		shadow = &d.gerrorn[i]

	default:
		slog.Warn("cmdqv: unhandled queue write", "queue", i, "reg", fmt.Sprintf("%#x", reg))
		return
	}

	*shadow = val
	if d.page != nil {
		d.page.writeWord(i*queueStride+int(reg), val)
	}
}

func (d *Device) readQueueDMA(i int, reg uint64) uint64 {
	switch reg {
	case regBaseLo:
		return d.base[i]

	case regBaseHi:
		return d.base[i] >> 32

	case regConsIndxBaseLo:
		return d.consIndxBase[i]

	case regConsIndxBaseHi:
		return d.consIndxBase[i] >> 32
	}

	slog.Warn("cmdqv: unhandled queue read", "queue", i, "reg", fmt.Sprintf("%#x", reg))
	return 0
}

func (d *Device) writeQueueDMA(i int, reg, val uint64, size int) {
	switch reg {
	case regBaseLo:
		if size == 8 {
			d.base[i] = val
		} else {
			d.base[i] = d.base[i]&^0xffffffff | val&0xffffffff
		}

		d.setupQueue(i)

	case regBaseHi:
		d.base[i] = d.base[i]&0xffffffff | val<<32
		d.setupQueue(i)

	case regConsIndxBaseLo:
		if size == 8 {
			d.consIndxBase[i] = val
		} else {
			d.consIndxBase[i] = d.consIndxBase[i]&^0xffffffff | val&0xffffffff
		}

	case regConsIndxBaseHi:
		d.consIndxBase[i] = d.consIndxBase[i]&0xffffffff | val<<32

	default:
		slog.Warn("cmdqv: unhandled queue write", "queue", i, "reg", fmt.Sprintf("%#x", reg))
	}
}

// setupQueue tears down queue i's kernel object, if any, and recreates it
// from the current shadow base register. It runs after every write to
// either half of the base register. Failure leaves the slot with no live
// kernel object; the shadow keeps the attempted configuration.
func (d *Device) setupQueue(i int) {
	log2size := uint32(d.base[i] & baseLog2SizeMask)
	addr := d.base[i] & baseAddrMask

	if q := d.queue[i]; q != nil {
		d.assoc.FreeQueue(q)
		d.queue[i] = nil
	}

	assoc := d.association()

	var err error
	switch {
	case assoc == nil:
		err = errNoAssociation
	case log2size == 0:
		err = errQueueSize
	case !d.cfg.IsRAM(addr):
		err = errQueueBase
	}

	if err != nil {
		slog.Debug("cmdqv: queue not configured", "queue", i, "reason", err)
		return
	}

	data := make([]byte, 16)
	le.PutUint32(data[0:], uint32(i))
	le.PutUint32(data[4:], log2size)
	le.PutUint64(data[8:], addr)

	q, err := assoc.AllocQueue(iommufd.VqueueDataTegra241CMDQV, data)
	if err != nil {
		slog.Error("cmdqv: queue allocation failed", "queue", i, "err", err)
		return
	}

	q.Index = i
	d.queue[i] = q
}

func (d *Device) association() Association {
	if d.assoc == nil {
		d.assoc = d.cfg.Association()
	}

	return d.assoc
}

func (d *Device) mapPage() {
	if d.page != nil {
		return
	}

	p, err := d.cfg.MapSharedPage(tableSize)
	if err != nil {
		slog.Error("cmdqv: shared page mapping failed", "err", err)
		return
	}

	d.page = &sharedPage{p: p}
}

// QueueID returns the kernel object id backing queue i, if one is live.
func (d *Device) QueueID(i int) (id uint32, ok bool) {
	if q := d.queue[i]; q != nil {
		return q.ID, true
	}

	return 0, false
}

// Reset releases every live kernel queue object and restores the whole
// shadow register set to power-on values.
func (d *Device) Reset() {
	for i, q := range d.queue {
		if q != nil {
			d.assoc.FreeQueue(q)
			d.queue[i] = nil
		}
	}

	d.initRegs()
}

// Teardown releases the device's kernel queue objects and the shared page
// mapping. The owner calls it exactly once.
func (d *Device) Teardown() {
	for i, q := range d.queue {
		if q != nil {
			d.assoc.FreeQueue(q)
			d.queue[i] = nil
		}
	}

	if d.page != nil && d.cfg.UnmapSharedPage != nil {
		if err := d.cfg.UnmapSharedPage(d.page.p); err != nil {
			slog.Error("cmdqv: shared page unmap failed", "err", err)
		}
	}

	d.page = nil
}

// State holds the registers preserved across save/restore. The rest of the
// shadow set is rebuilt from reset and from the live page.
type State struct {
	Status   uint32
	VIErrMap [2]uint32
}

// SaveState captures the persisted registers.
func (d *Device) SaveState() State {
	return State{
		Status:   d.status,
		VIErrMap: d.viErrMap,
	}
}

// LoadState restores the persisted registers.
func (d *Device) LoadState(s State) {
	d.status = s.Status
	d.viErrMap = s.VIErrMap
}

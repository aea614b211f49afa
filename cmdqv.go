//go:build linux

// Package cmdqv emulates the register file of an SMMUv3 command-queue
// virtualization extension (NVIDIA Tegra241 CMDQV) and manages the
// kernel-backed virtual command queues behind it via the iommufd package.
//
// The guest sees a 0x50000-byte MMIO window. Reads and writes arrive as a
// byte offset, a value, and an access size; the device keeps shadow copies
// of every register, refreshes a few live fields from a page shared with
// the physical device, and (re)builds kernel queue objects when the guest
// reprograms a queue's base register.
package cmdqv

// NumQueues is the number of virtual command queue slots.
const NumQueues = 128

// WindowSize is the size of the guest-visible MMIO window.
const WindowSize = 0x50000

const (
	queueStride  = 0x80    // spacing of per-queue register blocks
	tableSize    = 0x10000 // size of each per-queue register table
	aliasOffset  = 0x20000 // 0x30000/0x40000 alias 0x10000/0x20000
	regTableBase = 0x10000 // per-queue index/config/error registers
	dmaTableBase = 0x20000 // per-queue base and DRAM-mirror addresses
)

// global register offsets
const (
	regConfig       = 0x000 // global config (RW)
	regParam        = 0x004 // capability parameters (R)
	regStatus       = 0x008 // global status (R)
	regVIErrMap     = 0x014 // virtual-interface error map, 2 words (R)
	regVIIntMask    = 0x01c // virtual-interface interrupt mask, 2 words (RW)
	regCmdqErrMap   = 0x024 // global queue error map, 4 words (R)
	regAllocMapBase = 0x200 // per-queue allocation map, 4 bytes x 128 (RW)
)

// virtual-interface control block, 0x1000-0x10ff
const (
	regVintfConfig     = 0x1000 // config (RW; HYP_OWN is hardware-owned)
	regVintfStatus     = 0x1004 // status (R)
	regVintfErrMapBase = 0x10c0 // per-queue error map, 4 words (R)
)

// per-queue register offsets within a 0x80 block at regTableBase
const (
	regConsIndx    = 0x00 // consumer index (RW, live)
	regProdIndx    = 0x04 // producer index (RW, live)
	regQueueConfig = 0x08 // queue config (RW, live)
	regQueueStatus = 0x0c // queue status (R, live)
	regGError      = 0x10 // queue error (R, live)
	regGErrorN     = 0x14 // queue error acknowledge (RW, live)
)

// per-queue register offsets within a 0x80 block at dmaTableBase
const (
	regBaseLo         = 0x00 // log2size + base address, low word (RW)
	regBaseHi         = 0x04 // base address, high word (RW)
	regConsIndxBaseLo = 0x08 // DRAM consumer-index mirror, low word (RW)
	regConsIndxBaseHi = 0x0c // DRAM consumer-index mirror, high word (RW)
)

// power-on values
const (
	ConfigReset = 0x00020403
	ParamReset  = 0x00004011
)

// STATUS fields
const (
	statusEnabled = 1 << 0
)

// VINTF CONFIG/STATUS fields
const (
	VintfConfigEnable = 1 << 0
	VintfConfigHypOwn = 1 << 17

	VintfStatusEnableOK = 1 << 0
)

// BASE fields: bits 0-4 hold log2 of the queue size in entries, bits 5-31
// of the low word and bits 0-15 of the high word hold the base address.
const (
	baseLog2SizeMask = 0x1f
	baseAddrMask     = 0xffff<<32 | 0xffffffe0
)

// CONS_INDX.ERR command error codes
const (
	CerrorNone       = 0
	CerrorIllOpcode  = 1
	CerrorAbt        = 2
	CerrorAtcInvSync = 3
	CerrorIllAccess  = 4
)

// GERROR/GERRORN fields
const (
	GErrorCmdq          = 1 << 0
	GErrorConsDramWrAbt = 1 << 1
	GErrorCmdqInit      = 1 << 2
)

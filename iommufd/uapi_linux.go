//go:build linux

package iommufd

// Request numbers are _IO(';', cmd): the IOMMUFD uAPI encodes no direction
// or size bits because every request starts with its own size field.
const iommufdType = 0x3b

const (
	reqDestroy        = iommufdType<<8 | 0x80
	reqHWPTAlloc      = iommufdType<<8 | 0x81
	reqGetHWInfo      = iommufdType<<8 | 0x82
	reqHWPTInvalidate = iommufdType<<8 | 0x85
	reqIOASAlloc      = iommufdType<<8 | 0x86
	reqIOASMap        = iommufdType<<8 | 0x8a
	reqIOASUnmap      = iommufdType<<8 | 0x8b
	reqViommuAlloc    = iommufdType<<8 | 0x8e

	// Not yet upstream: these follow IOMMU_VIOMMU_ALLOC in the
	// vIOMMU development branches.
	reqDevInvalidate = iommufdType<<8 | 0x8f
	reqVqueueAlloc   = iommufdType<<8 | 0x90
)

// ioas_map flags
const (
	mapReadable  = 1 << 0
	mapWriteable = 1 << 1
	mapFixedIOVA = 1 << 2
)

// Hardware info types reported by GetHWInfo.
const (
	HWInfoTypeNone      = 0
	HWInfoTypeIntelVTD  = 1
	HWInfoTypeARMSMMUv3 = 2
)

// Viommu types accepted by AllocViommu.
const (
	ViommuTypeARMSMMUv3     = 1
	ViommuTypeTegra241CMDQV = 2
)

// Vqueue payload types accepted by Viommu.AllocQueue.
const (
	VqueueDataTegra241CMDQV = 1
)

// Hardware page table data types accepted by AllocHWPT.
const (
	HWPTDataNone      = 0
	HWPTDataVTDS1     = 1
	HWPTDataARMSMMUv3 = 2
)

// iommu_ioas_alloc has the same layout as the C struct.
type ioasAlloc struct {
	size      uint32
	flags     uint32
	outIOASID uint32
}

// iommu_destroy has the same layout as the C struct.
type destroyReq struct {
	size uint32
	id   uint32
}

// iommu_ioas_map has the same layout as the C struct.
type ioasMap struct {
	size   uint32
	flags  uint32
	ioasID uint32
	_      uint32
	userVA uint64
	length uint64
	iova   uint64
}

// iommu_ioas_unmap has the same layout as the C struct.
type ioasUnmap struct {
	size   uint32
	ioasID uint32
	iova   uint64
	length uint64
}

// iommu_hwpt_alloc has the same layout as the C struct.
type hwptAlloc struct {
	size      uint32
	flags     uint32
	devID     uint32
	ptID      uint32
	outHWPTID uint32
	_         uint32
	dataType  uint32
	dataLen   uint32
	dataUptr  uint64
}

// iommu_hw_info has the same layout as the C struct.
type hwInfo struct {
	size        uint32
	flags       uint32
	devID       uint32
	dataLen     uint32
	dataUptr    uint64
	outDataType uint32
	_           uint32
}

// iommu_hwpt_invalidate has the same layout as the C struct.
type hwptInvalidate struct {
	size     uint32
	hwptID   uint32
	dataUptr uint64
	dataType uint32
	entryLen uint32
	entryNum uint32
	_        uint32
}

// iommu_dev_invalidate has the same layout as the C struct in the
// vIOMMU development branches.
type devInvalidate struct {
	size     uint32
	devID    uint32
	dataUptr uint64
	dataType uint32
	entryLen uint32
	entryNum uint32
	_        uint32
}

// iommu_viommu_alloc has the same layout as the C struct.
type viommuAlloc struct {
	size        uint32
	flags       uint32
	viommuType  uint32
	devID       uint32
	hwptID      uint32
	outViommuID uint32
}

// iommu_vqueue_alloc has the same layout as the C struct in the
// vIOMMU development branches.
type vqueueAlloc struct {
	size        uint32
	flags       uint32
	viommuID    uint32
	dataType    uint32
	dataLen     uint32
	outVqueueID uint32
	dataUptr    uint64
}

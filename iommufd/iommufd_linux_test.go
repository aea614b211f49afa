//go:build linux

package iommufd

import (
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// testBackend returns a connected Backend whose ioctls are served by fn.
func testBackend(fn ioctlFunc) *Backend {
	return &Backend{fd: 3, owned: false, users: 1, ioctl: fn}
}

func TestConnectExternalFD(t *testing.T) {
	b := NewBackendFromFD(7)

	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	if b.users != 2 {
		t.Errorf("users = %d, want 2", b.users)
	}

	b.Disconnect()
	b.Disconnect()

	// past-zero disconnects are no-ops
	b.Disconnect()
	b.Disconnect()

	if b.users != 0 {
		t.Errorf("users = %d, want 0", b.users)
	}

	// an external descriptor is never closed
	if b.fd != 7 {
		t.Errorf("fd = %d, want 7", b.fd)
	}
}

func TestAllocIOAS(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		if req != reqIOASAlloc {
			t.Fatalf("req = %#x, want %#x", req, reqIOASAlloc)
		}

		(*ioasAlloc)(arg).outIOASID = 42
		return 0
	})

	id, err := b.AllocIOAS()
	if err != nil {
		t.Fatal(err)
	}

	if id != 42 {
		t.Errorf("ioas id = %d, want 42", id)
	}
}

func TestAllocIOASRejected(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		return unix.ENODEV
	})

	if _, err := b.AllocIOAS(); !errors.Is(err, ErrResource) {
		t.Errorf("err = %v, want ErrResource", err)
	}
}

func TestFreeIDBestEffort(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		if req != reqDestroy {
			t.Fatalf("req = %#x, want %#x", req, reqDestroy)
		}

		return unix.ENOENT
	})

	// a failed destroy is logged, not reported
	b.FreeID(9)
}

func TestMapDMAFlags(t *testing.T) {
	var got ioasMap

	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		got = *(*ioasMap)(arg)
		return 0
	})

	buf := make([]byte, 16)

	if err := b.MapDMA(1, 0x1000, 16, unsafe.Pointer(&buf[0]), false); err != nil {
		t.Fatal(err)
	}

	if got.flags != mapReadable|mapWriteable|mapFixedIOVA {
		t.Errorf("flags = %#x, want readable|writeable|fixed-iova", got.flags)
	}

	if err := b.MapDMA(1, 0x1000, 16, unsafe.Pointer(&buf[0]), true); err != nil {
		t.Fatal(err)
	}

	if got.flags != mapReadable|mapFixedIOVA {
		t.Errorf("flags = %#x, want readable|fixed-iova", got.flags)
	}
}

func TestMapDMANotMappable(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		return unix.EFAULT
	})

	buf := make([]byte, 16)

	// an unmappable target region is skipped, not an error
	if err := b.MapDMA(1, 0x1000, 16, unsafe.Pointer(&buf[0]), false); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestUnmapDMANonexistent(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		return unix.ENOENT
	})

	// redundant unmaps are expected under vIOMMU churn
	for i := 0; i < 2; i++ {
		if err := b.UnmapDMA(1, 0x2000, 0x1000); err != nil {
			t.Errorf("unmap %d: err = %v, want nil", i, err)
		}
	}
}

func TestUnmapDMARejected(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		return unix.EINVAL
	})

	if err := b.UnmapDMA(1, 0x2000, 0x1000); !errors.Is(err, ErrResource) {
		t.Errorf("err = %v, want ErrResource", err)
	}
}

func TestInvalidateCache(t *testing.T) {
	entries := make([]byte, 2*32)

	t.Run("ok", func(t *testing.T) {
		b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
			return 0
		})

		n, err := b.InvalidateCache(5, 1, 32, entries, 2)
		if err != nil {
			t.Fatal(err)
		}

		if n != 2 {
			t.Errorf("processed = %d, want 2", n)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
			(*hwptInvalidate)(arg).entryNum = 0
			return unix.EIO
		})

		_, err := b.InvalidateCache(5, 1, 32, entries, 2)
		if !errors.Is(err, ErrResource) {
			t.Errorf("err = %v, want ErrResource", err)
		}

		var ce *ConsistencyError
		if errors.As(err, &ce) {
			t.Errorf("kernel rejection must not be a ConsistencyError: %v", err)
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
			(*hwptInvalidate)(arg).entryNum = 1
			return 0
		})

		n, err := b.InvalidateCache(5, 1, 32, entries, 2)

		var ce *ConsistencyError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConsistencyError", err)
		}

		if ce.Requested != 2 || ce.Processed != 1 {
			t.Errorf("got %d/%d, want 1 of 2", ce.Processed, ce.Requested)
		}

		if n != 1 {
			t.Errorf("processed = %d, want 1", n)
		}
	})
}

func TestInvalidateDeviceCacheMismatch(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		if req != reqDevInvalidate {
			t.Fatalf("req = %#x, want %#x", req, reqDevInvalidate)
		}

		(*devInvalidate)(arg).entryNum = 0
		return 0
	})

	_, err := b.InvalidateDeviceCache(8, 1, 32, make([]byte, 32), 1)

	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConsistencyError", err)
	}
}

func TestGetHWInfo(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		(*hwInfo)(arg).outDataType = HWInfoTypeARMSMMUv3
		return 0
	})

	typ, err := b.GetHWInfo(3, make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}

	if typ != HWInfoTypeARMSMMUv3 {
		t.Errorf("info type = %d, want %d", typ, HWInfoTypeARMSMMUv3)
	}
}

func TestAllocViommuAndQueue(t *testing.T) {
	b := testBackend(func(fd int, req uintptr, arg unsafe.Pointer) unix.Errno {
		switch req {
		case reqViommuAlloc:
			(*viommuAlloc)(arg).outViommuID = 10

		case reqVqueueAlloc:
			va := (*vqueueAlloc)(arg)
			if va.viommuID != 10 {
				t.Fatalf("viommu id = %d, want 10", va.viommuID)
			}

			va.outVqueueID = 11

		case reqDestroy:
			if id := (*destroyReq)(arg).id; id != 11 {
				t.Fatalf("destroy id = %d, want 11", id)
			}

		default:
			t.Fatalf("unexpected req %#x", req)
		}

		return 0
	})

	v, err := b.AllocViommu(3, ViommuTypeTegra241CMDQV, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v.ID != 10 || v.HwptID != 4 {
		t.Errorf("viommu = %+v, want ID=10 HwptID=4", v)
	}

	q, err := v.AllocQueue(VqueueDataTegra241CMDQV, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}

	if q.ID != 11 {
		t.Errorf("vqueue id = %d, want 11", q.ID)
	}

	v.FreeQueue(q)
}

func TestDeviceFamilyOps(t *testing.T) {
	const fam = Family(100)

	ops := &recordingOps{}
	RegisterFamily(fam, ops)

	d := NewDevice(testBackend(nil), 3, 4, fam)

	if err := d.AttachPageTable(5); err != nil {
		t.Fatal(err)
	}

	if ops.attached != 5 {
		t.Errorf("attached hwpt = %d, want 5", ops.attached)
	}

	if err := d.DetachPageTable(); err != nil {
		t.Fatal(err)
	}

	if !ops.detached {
		t.Error("detach not called")
	}

	unknown := NewDevice(testBackend(nil), 3, 4, Family(101))
	if err := unknown.AttachPageTable(5); !errors.Is(err, ErrNoFamilyOps) {
		t.Errorf("err = %v, want ErrNoFamilyOps", err)
	}
}

type recordingOps struct {
	attached uint32
	detached bool
}

func (r *recordingOps) AttachPageTable(dev *Device, hwptID uint32) error {
	r.attached = hwptID
	return nil
}

func (r *recordingOps) DetachPageTable(dev *Device) error {
	r.detached = true
	return nil
}

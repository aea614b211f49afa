//go:build linux

// iommufd-info probes the IOMMUFD character device: it connects, allocates
// and frees a scratch DMA address space, and optionally dumps hardware info
// for a device id.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c35s/cmdqv/iommufd"
	"golang.org/x/term"
)

func main() {
	var (
		devID   = flag.Uint("dev", 0, "dump hardware info for this iommufd device id")
		infoLen = flag.Int("len", 64, "size of the hardware info buffer in bytes")
	)

	flag.Parse()

	be := iommufd.NewBackend()
	if err := be.Connect(); err != nil {
		panic(err)
	}

	defer be.Disconnect()

	ioas, err := be.AllocIOAS()
	if err != nil {
		panic(err)
	}

	defer be.FreeID(ioas)

	fmt.Printf("iommufd: ok (scratch ioas id %d)\n", ioas)

	if *devID == 0 {
		return
	}

	buf := make([]byte, *infoLen)
	typ, err := be.GetHWInfo(uint32(*devID), buf)
	if err != nil {
		panic(err)
	}

	fmt.Printf("\n# hardware info for device %d\n", *devID)
	fmt.Printf("type: %s\n", typeName(typ))

	if term.IsTerminal(int(os.Stdout.Fd())) {
		for off := 0; off < len(buf); off += 16 {
			end := off + 16
			if end > len(buf) {
				end = len(buf)
			}

			fmt.Printf("%04x: % x\n", off, buf[off:end])
		}

		return
	}

	fmt.Printf("data: %x\n", buf)
}

func typeName(typ uint32) string {
	switch typ {
	case iommufd.HWInfoTypeNone:
		return "none"
	case iommufd.HWInfoTypeIntelVTD:
		return "intel-vtd"
	case iommufd.HWInfoTypeARMSMMUv3:
		return "arm-smmuv3"
	}

	return fmt.Sprintf("unknown (%d)", typ)
}

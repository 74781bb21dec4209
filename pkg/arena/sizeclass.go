package arena

import "github.com/Dicklesworthstone/glibc-rust-sub004/pkg/fingerprint"

const (
	// SlabSize is the span of one slab and the granularity of the region map.
	SlabSize = 64 << 10
	// PageSize is the rounding unit for large objects.
	PageSize = 4096
	// LargeThreshold is the largest request served from a slab.
	LargeThreshold = 32 << 10
	// MaxAllocSize is the largest request the header can describe.
	MaxAllocSize = 1<<32 - 1
	// MaxAlign bounds AllocateAligned.
	MaxAlign = 1 << 20

	overhead = fingerprint.HeaderSize + fingerprint.CanarySize
)

var classSizes = [...]uint64{
	16, 32, 48, 64, 80, 96, 112, 128,
	160, 192, 224, 256, 288, 320, 352, 384,
	448, 512, 640, 768, 896, 1024, 1280, 1536,
	2048, 2560, 3072, 4096, 8192, 16384, 24576, 32768,
}

// NumClasses is the number of slab size classes.
const NumClasses = len(classSizes)

// ClassFor returns the smallest class that fits size. ok is false for
// sizes above LargeThreshold.
func ClassFor(size uint64) (class int, ok bool) {
	for i, c := range classSizes {
		if size <= c {
			return i, true
		}
	}
	return 0, false
}

// ClassSize returns the user capacity of a class.
func ClassSize(class int) uint64 { return classSizes[class] }

// stride is the slot pitch for a class: header, user bytes and canary,
// rounded so every user pointer stays 16-byte aligned.
func stride(class int) uint64 {
	return alignUp(classSizes[class]+overhead, 16)
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

package subcell

import "github.com/elfenlabs/cell/internal/cellhdr"

// Classes is the compile-time size-class table, spec.md §3: the
// smallest class covers MinBlockSize, the largest is strictly below
// what would leave room for even one block's header overhead in a
// Cell.
var Classes = [...]uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// MinBlockSize is the smallest request size. Smaller requests are
// rounded up to it.
const MinBlockSize = 16

// MaxSize is the largest size still served by the sub-cell tier.
var MaxSize = uint32(Classes[len(Classes)-1])

// NumBins is the number of size classes.
const NumBins = len(Classes)

func alignUp(size, alignment uint32) uint32 {
	return (size + alignment - 1) &^ (alignment - 1)
}

// ClassFor finds the smallest bin whose block size is >= size,
// rounded up to alignment, and whose block size also satisfies
// alignment (power-of-two block sizes are naturally aligned to any
// smaller power of two, so this is sufficient). Returns ok=false if
// the request does not fit any sub-cell class.
func ClassFor(size, alignment uint32) (bin int, ok bool) {
	size = alignUp(size, alignment)
	if size < MinBlockSize {
		size = MinBlockSize
	}
	for i, class := range Classes {
		if class >= size && class >= alignment {
			return i, true
		}
	}
	return 0, false
}

// BlocksPerCell returns how many blocks of Classes[bin] fit in one
// Cell after the header and metadata.
func BlocksPerCell(bin int) uint32 {
	avail := uint32(cellhdr.Size) - uint32(cellhdr.BlockStart)
	return avail / Classes[bin]
}

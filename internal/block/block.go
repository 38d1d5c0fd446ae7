// Package block maps byte ranges onto the fixed-size blocks the cache tracks.
package block

import (
	"fmt"

	"nascache/internal/common"
)

// DefaultSize is the block size used when none is configured.
const DefaultSize int64 = 4096

// Aligner rounds offsets to multiples of BlockSize.
type Aligner struct {
	BlockSize int64
}

// Range is the block-aligned cover of a byte request.
type Range struct {
	Lower       int64 // start of the first covered block
	AlignedSize int64 // bytes from Lower to the end of the last covered block
	NumBlocks   int64
	blockSize   int64
}

// New returns an Aligner for blockSize, which must be positive.
func New(blockSize int64) (Aligner, error) {
	if blockSize <= 0 {
		return Aligner{}, fmt.Errorf("%w: %d", common.ErrBlockSize, blockSize)
	}
	return Aligner{BlockSize: blockSize}, nil
}

// AlignDown returns the largest block boundary <= off.
func (a Aligner) AlignDown(off int64) int64 {
	return off - off%a.BlockSize
}

// AlignUp returns the smallest block boundary >= off.
func (a Aligner) AlignUp(off int64) int64 {
	return off + (a.BlockSize-off%a.BlockSize)%a.BlockSize
}

// Cover returns the blocks touched by the request [offset, offset+size).
func (a Aligner) Cover(offset, size int64) Range {
	lower := a.AlignDown(offset)
	if size <= 0 {
		return Range{Lower: lower, blockSize: a.BlockSize}
	}
	aligned := a.AlignUp(offset+size) - lower
	return Range{
		Lower:       lower,
		AlignedSize: aligned,
		NumBlocks:   aligned / a.BlockSize,
		blockSize:   a.BlockSize,
	}
}

// BlocksFor returns the number of blocks needed to hold n bytes.
func (a Aligner) BlocksFor(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + a.BlockSize - 1) / a.BlockSize
}

// End returns the offset just past the last covered block.
func (r Range) End() int64 {
	return r.Lower + r.AlignedSize
}

// Offsets lists the start offset of every covered block in ascending order.
func (r Range) Offsets() []int64 {
	if r.NumBlocks == 0 {
		return nil
	}
	out := make([]int64, 0, r.NumBlocks)
	for i := int64(0); i < r.NumBlocks; i++ {
		out = append(out, r.Lower+i*r.blockSize)
	}
	return out
}

package wasm

import (
	"math"

	"go.uber.org/zap"
)

const (
	// PageSize is the linear memory growth unit (64KiB).
	PageSize = 65536

	// Alignment of every address the allocator hands out.
	Alignment = 8
)

// Grower grows a linear memory by a number of pages.
type Grower interface {
	// GrowBy grows the memory by pages and returns the new page count.
	GrowBy(pages uint32) (newPageCount uint32, err error)
}

// PageCounter is implemented by growers that can report the memory's current
// page count, which changes when the module grows its memory itself.
type PageCounter interface {
	Pages() uint32
}

// Allocator is a bump allocator over a growable linear memory.
//
// It only advances its cursor and never reclaims. Every address it returns is
// a multiple of Alignment. It is not safe for concurrent use; host functions
// run on the guest's single thread of control.
type Allocator struct {
	offset    uint32
	pageCount uint32
	grower    Grower

	verbose bool
	logger  *zap.Logger
}

// NewAllocator creates an allocator over a single page with no growth capability.
func NewAllocator(logger *zap.Logger, verbose bool) *Allocator {
	return &Allocator{
		pageCount: 1,
		verbose:   verbose,
		logger:    logger.With(zap.String("component", "wasm-allocator")),
	}
}

// SetBase rounds offset up to the next multiple of Alignment and makes it the cursor.
func (a *Allocator) SetBase(offset uint32) {
	a.offset = alignUp(uint64(offset))
}

// Attach wires the growth capability and the memory's current page count.
func (a *Allocator) Attach(grower Grower, pageCount uint32) {
	a.grower = grower
	a.pageCount = pageCount
}

// Allocate returns the cursor and advances it past size bytes.
//
// When the block would end beyond the current pages, growth is requested
// first. The allocation proceeds whether or not growth succeeded; a failed
// growth surfaces as an out-of-bounds access inside the module.
func (a *Allocator) Allocate(size uint32) uint32 {
	addr := a.offset
	end := uint64(addr) + uint64(alignUp(uint64(size)))
	if end > math.MaxUint32 {
		a.logger.Error("Allocation exceeds 32-bit address space",
			zap.Uint32("offset", addr),
			zap.Uint32("size", size),
		)
		end = math.MaxUint32 &^ (Alignment - 1)
	}

	a.refreshPages()
	if capacity := uint64(a.pageCount) * PageSize; end > capacity {
		a.grow(end)
	}

	a.offset = uint32(end)

	if a.verbose {
		a.logger.Info("Allocated block",
			zap.Uint32("size", size),
			zap.Uint32("offset", addr),
		)
	}

	return addr
}

// refreshPages picks up growth the allocator did not request.
func (a *Allocator) refreshPages() {
	if pc, ok := a.grower.(PageCounter); ok {
		if pages := pc.Pages(); pages > a.pageCount {
			a.pageCount = pages
		}
	}
}

// grow requests enough pages for the memory to hold end bytes.
func (a *Allocator) grow(end uint64) {
	if a.grower == nil {
		return
	}

	required := (end + PageSize - 1) / PageSize
	delta := uint32(required - uint64(a.pageCount))
	if delta == 0 {
		delta = 1
	}

	pages, err := a.grower.GrowBy(delta)
	if err != nil {
		a.logger.Warn("Failed to grow memory",
			zap.Uint32("pages", delta),
			zap.Uint32("page_count", a.pageCount),
			zap.Error(err),
		)
		return
	}

	a.logger.Debug("Grew memory",
		zap.Uint32("pages", delta),
		zap.Uint32("page_count", pages),
	)
	a.pageCount = pages
}

// Reset moves the cursor back to the start of memory.
func (a *Allocator) Reset() {
	a.offset = 0
}

// Offset returns the current cursor.
func (a *Allocator) Offset() uint32 {
	return a.offset
}

// PageCount returns the number of pages the allocator believes the memory has.
func (a *Allocator) PageCount() uint32 {
	return a.pageCount
}

func alignUp(v uint64) uint32 {
	aligned := (v + Alignment - 1) &^ (Alignment - 1)
	if aligned > math.MaxUint32 {
		return math.MaxUint32 &^ (Alignment - 1)
	}
	return uint32(aligned)
}

package store

import "github.com/pkg/errors"

const PageSizeBytes = 4 * 1024 * 1024 // 4MB

// VectorArena stores fixed-size vectors in contiguous pages addressed by slot.
// Released slots are reused before the arena grows. The arena is not safe for
// concurrent use; the owning Collection serializes access.
type VectorArena struct {
	dim            int
	vectorsPerPage int
	pages          [][]float32

	// Slots below next have been handed out at least once
	next uint32
	free []uint32
}

// NewVectorArena returns an empty arena for vectors of length dim.
func NewVectorArena(dim int) *VectorArena {
	count := PageSizeBytes / (dim * 4)
	if count < 1 {
		count = 1
	}
	return &VectorArena{
		dim:            dim,
		vectorsPerPage: count,
	}
}

// Alloc reserves a slot, reusing a released one when available.
func (a *VectorArena) Alloc() uint32 {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		return slot
	}
	slot := a.next
	if int(slot)/a.vectorsPerPage >= len(a.pages) {
		a.pages = append(a.pages, make([]float32, a.dim*a.vectorsPerPage))
	}
	a.next++
	return slot
}

// Set copies vector into slot.
func (a *VectorArena) Set(slot uint32, vector []float32) error {
	if len(vector) != a.dim {
		return errors.Wrapf(ErrDimensionMismatch, "expected %d got %d", a.dim, len(vector))
	}
	if slot >= a.next {
		return errors.Errorf("slot %d out of bounds", slot)
	}
	copy(a.view(slot), vector)
	return nil
}

// Get returns a copy of the vector at slot.
func (a *VectorArena) Get(slot uint32) ([]float32, error) {
	if slot >= a.next {
		return nil, errors.Errorf("slot %d out of bounds", slot)
	}
	return cloneVector(a.view(slot)), nil
}

// Release returns slot to the free list.
func (a *VectorArena) Release(slot uint32) {
	clear(a.view(slot))
	a.free = append(a.free, slot)
}

// HighWater is one past the largest slot ever allocated.
func (a *VectorArena) HighWater() uint32 {
	return a.next
}

// view aliases the arena memory of slot; callers must not retain it.
func (a *VectorArena) view(slot uint32) []float32 {
	page := a.pages[int(slot)/a.vectorsPerPage]
	offset := (int(slot) % a.vectorsPerPage) * a.dim
	return page[offset : offset+a.dim]
}

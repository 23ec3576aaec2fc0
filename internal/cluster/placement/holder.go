package placement

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Holder keeps the authoritative table and the one it replaced. Readers load
// either pointer without locking; Publish swaps them atomically.
type Holder struct {
	current  atomic.Pointer[Table]
	previous atomic.Pointer[Table]
	mu       sync.Mutex
}

func NewHolder(initial *Table) *Holder {
	h := &Holder{}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Current returns the authoritative table, or nil before the first publish.
func (h *Holder) Current() *Table {
	return h.current.Load()
}

// Previous returns the table replaced by the last publish until Release.
func (h *Holder) Previous() *Table {
	return h.previous.Load()
}

// Version returns the current table version, or InvalidVersion.
func (h *Holder) Version() uint64 {
	if t := h.current.Load(); t != nil {
		return t.Version()
	}
	return InvalidVersion
}

// Publish makes t authoritative and retains the old table as previous.
func (h *Holder) Publish(t *Table) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if cur != nil {
		if t.Version() == cur.Version() && t.SameLayout(cur) {
			return nil
		}
		if t.Version() <= cur.Version() {
			return errors.Wrapf(errs.ErrStaleVersion, "publish v%d over v%d", t.Version(), cur.Version())
		}
		h.previous.Store(cur)
	}
	h.current.Store(t)
	return nil
}

// Release drops the previous table once no session references it.
func (h *Holder) Release() {
	h.previous.Store(nil)
}

// Lookup returns the current or previous table with the given version.
func (h *Holder) Lookup(version uint64) *Table {
	if t := h.current.Load(); t != nil && t.Version() == version {
		return t
	}
	if t := h.previous.Load(); t != nil && t.Version() == version {
		return t
	}
	return nil
}

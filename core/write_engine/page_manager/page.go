package pagemanager

import (
	"container/list" // For LRU
	"sync"
	"time"
)

// --- Page Frames ---

// Page is an in-memory frame holding a copy of a disk page. Frame metadata
// (pin count, dirty and checkpoint flags, LRU element) is guarded by the owning
// segment's mutex; the page bytes are guarded by the page latch.
type Page struct {
	id       FullPageID
	data     []byte
	pinCount uint32
	isDirty  bool
	// cpPending is set while the page belongs to the dirty set of a running checkpoint.
	cpPending bool
	// cpCopied is set once the checkpoint copy of a pending page was taken.
	cpCopied bool
	// For LRU
	lruElement *list.Element

	// latch protects data.
	latch     sync.RWMutex
	valid     bool
	updatedAt time.Time
}

// NewPage creates an empty frame of the given size.
func NewPage(size int) *Page {
	return &Page{data: make([]byte, size)}
}

// Reset empties the frame so it can host another page.
func (p *Page) Reset() {
	p.id = FullPageID{}
	p.valid = false
	p.pinCount = 0
	p.isDirty = false
	p.cpPending = false
	p.cpCopied = false
	p.lruElement = nil
	clear(p.data)
}

func (p *Page) Assign(id FullPageID) {
	p.id = id
	p.valid = true
}

func (p *Page) IsValid() bool                    { return p.valid }
func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) SetData(newData []byte) bool      { copy(p.data, newData); return true }
func (p *Page) GetFullPageID() FullPageID        { return p.id }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32           { return p.pinCount }
func (p *Page) IsCheckpointPending() bool     { return p.cpPending }
func (p *Page) SetCheckpointPending(v bool)   { p.cpPending = v }
func (p *Page) IsCheckpointCopied() bool      { return p.cpCopied }
func (p *Page) SetCheckpointCopied(v bool)    { p.cpCopied = v }
func (p *Page) UpdatedAt(t time.Time)         { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time       { return p.updatedAt }

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }

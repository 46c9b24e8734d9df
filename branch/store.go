// Package branch implements the branching message history of a single chat
// session. Each conversational position is a Slot holding one or more
// alternative message variants and a selection cursor, so a user can
// regenerate a reply and page back and forth without losing earlier ones.
package branch

import (
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/core"
)

// Navigation errors. These are user-facing terminal conditions, reported to
// the transport so it can disable the matching control; they are never
// silently clamped.
var (
	// ErrAtStart means the cursor is already on the oldest variant.
	ErrAtStart = errors.New("already at the first variant")

	// ErrAtEnd means the cursor is already on the newest variant.
	ErrAtEnd = errors.New("already at the last variant")

	// ErrNotFound means no slot exists for the given id.
	ErrNotFound = errors.New("slot not found")
)

// Slot is one position in the conversation: an append-only list of message
// variants plus the cursor selecting the one currently shown. A slot always
// holds at least one variant.
type Slot struct {
	id       uint64
	variants []core.Message
	cursor   int
}

// ID returns the slot's identity, the externally supplied message id.
func (s *Slot) ID() uint64 { return s.id }

// Selected returns the variant the cursor points at.
func (s *Slot) Selected() core.Message { return s.variants[s.cursor] }

// Len returns the number of variants in the slot.
func (s *Slot) Len() int { return len(s.variants) }

// Cursor returns the zero-based selection index.
func (s *Slot) Cursor() int { return s.cursor }

// CanPrev reports whether SelectPrev would succeed.
func (s *Slot) CanPrev() bool { return s.cursor > 0 }

// CanNext reports whether SelectNext would succeed.
func (s *Slot) CanNext() bool { return s.cursor < len(s.variants)-1 }

// Store is the insertion-ordered collection of slots for one user session.
// Insertion order is conversation order and drives both eviction order and
// "latest" queries. A Store is owned by exactly one session and is not safe
// for concurrent use; the session registry serializes access per user.
type Store struct {
	order []uint64
	slots map[uint64]*Slot
}

// NewStore creates an empty branch store.
func NewStore() *Store {
	return &Store{
		slots: make(map[uint64]*Slot),
	}
}

// Len returns the number of slots.
func (st *Store) Len() int { return len(st.order) }

// Append adds msg to the slot identified by id, creating the slot when the
// id is unseen. Appending to an existing slot moves the cursor to the new
// last variant. It returns the slot's identity.
func (st *Store) Append(id uint64, msg core.Message) uint64 {
	if slot, ok := st.slots[id]; ok {
		slot.variants = append(slot.variants, msg)
		slot.cursor = len(slot.variants) - 1
		return id
	}

	st.slots[id] = &Slot{
		id:       id,
		variants: []core.Message{msg},
	}
	st.order = append(st.order, id)
	return id
}

// Find returns the slot with the given id, or ErrNotFound.
func (st *Store) Find(id uint64) (*Slot, error) {
	slot, ok := st.slots[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return slot, nil
}

// Latest returns the most recently inserted slot, or nil when empty.
func (st *Store) Latest() *Slot {
	if len(st.order) == 0 {
		return nil
	}
	return st.slots[st.order[len(st.order)-1]]
}

// LatestWithRole scans from the end and returns the first slot whose
// currently selected variant has the given role, or nil.
func (st *Store) LatestWithRole(role core.Role) *Slot {
	for i := len(st.order) - 1; i >= 0; i-- {
		slot := st.slots[st.order[i]]
		if slot.Selected().Role == role {
			return slot
		}
	}
	return nil
}

// SelectPrev moves the slot's cursor one variant back and returns the newly
// selected variant. Fails with ErrAtStart when the cursor is already 0.
func (st *Store) SelectPrev(id uint64) (core.Message, error) {
	slot, err := st.Find(id)
	if err != nil {
		return core.Message{}, err
	}
	if !slot.CanPrev() {
		return core.Message{}, ErrAtStart
	}
	slot.cursor--
	return slot.Selected(), nil
}

// SelectNext moves the slot's cursor one variant forward and returns the
// newly selected variant. Fails with ErrAtEnd when the cursor is already on
// the last variant.
func (st *Store) SelectNext(id uint64) (core.Message, error) {
	slot, err := st.Find(id)
	if err != nil {
		return core.Message{}, err
	}
	if !slot.CanNext() {
		return core.Message{}, ErrAtEnd
	}
	slot.cursor++
	return slot.Selected(), nil
}

// DrainOldest removes the first n slots in insertion order and returns each
// one's currently selected variant. Used by the context assembler when the
// short-term window is full; the caller folds the result into long-term
// summarization.
func (st *Store) DrainOldest(n int) []core.Message {
	if n > len(st.order) {
		n = len(st.order)
	}
	if n <= 0 {
		return nil
	}

	drained := make([]core.Message, 0, n)
	for _, id := range st.order[:n] {
		drained = append(drained, st.slots[id].Selected())
		delete(st.slots, id)
	}
	st.order = append([]uint64(nil), st.order[n:]...)
	return drained
}

// IDs returns the slot ids in insertion order. The shutdown path uses this
// to tell the transport which messages still carry live navigation controls.
func (st *Store) IDs() []uint64 {
	return append([]uint64(nil), st.order...)
}

// Selected returns the currently selected variant of every slot in
// insertion order.
func (st *Store) Selected() []core.Message {
	msgs := make([]core.Message, 0, len(st.order))
	for _, id := range st.order {
		msgs = append(msgs, st.slots[id].Selected())
	}
	return msgs
}

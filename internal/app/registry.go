package app

import (
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// RegistryEntry tracks one transfer the pipeline is waiting on.
type RegistryEntry struct {
	RecordID    string
	Handle      domain.TransferHandle
	SessionID   string
	SubmittedAt time.Time

	// Orphaned entries belong to records that were deleted or never
	// matched at startup. Their results are discarded on arrival.
	Orphaned bool
}

// Registry is the in-memory map of in-flight transfers. It is a cache over
// durable state: recovery rebuilds it wholesale on every start.
type Registry struct {
	mu       sync.Mutex
	byRecord map[string]*RegistryEntry
	byHandle map[domain.TransferHandle]string

	// retired holds handles whose result was already settled, oldest first
	// in retiredOrder. A late duplicate for one of them never matches an
	// entry by key.
	retired      map[domain.TransferHandle]struct{}
	retiredOrder []domain.TransferHandle
}

// retiredLimit caps how many settled handles are remembered.
const retiredLimit = 4096

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byRecord: make(map[string]*RegistryEntry),
		byHandle: make(map[domain.TransferHandle]string),
		retired:  make(map[domain.TransferHandle]struct{}),
	}
}

// Reserve claims recordID for a submission that has not been accepted yet.
// It returns false if the record already has an entry.
func (r *Registry) Reserve(recordID, sessionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRecord[recordID]; ok {
		return false
	}
	r.byRecord[recordID] = &RegistryEntry{
		RecordID:    recordID,
		SessionID:   sessionID,
		SubmittedAt: now,
	}
	return true
}

// Bind attaches the transport handle to a reserved entry.
func (r *Registry) Bind(recordID string, handle domain.TransferHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byRecord[recordID]
	if !ok {
		return false
	}
	if e.Handle != "" {
		delete(r.byHandle, e.Handle)
	}
	e.Handle = handle
	r.byHandle[handle] = recordID
	return true
}

// Release drops a reservation whose submission never happened.
func (r *Registry) Release(recordID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byRecord[recordID]; ok {
		r.retireLocked(e.Handle)
		delete(r.byHandle, e.Handle)
		delete(r.byRecord, recordID)
	}
}

// Retire records that handle's result has been settled. Completions
// carrying it no longer match any entry.
func (r *Registry) Retire(handle domain.TransferHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retireLocked(handle)
}

func (r *Registry) retireLocked(handle domain.TransferHandle) {
	if handle == "" {
		return
	}
	if _, ok := r.retired[handle]; ok {
		return
	}
	r.retired[handle] = struct{}{}
	r.retiredOrder = append(r.retiredOrder, handle)
	if len(r.retiredOrder) > retiredLimit {
		delete(r.retired, r.retiredOrder[0])
		r.retiredOrder = r.retiredOrder[1:]
	}
}

// Restore inserts an entry rebuilt from the transport at startup.
func (r *Registry) Restore(e RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byRecord[e.RecordID]; ok && prev.Handle != "" {
		delete(r.byHandle, prev.Handle)
	}
	entry := e
	r.byRecord[e.RecordID] = &entry
	if e.Handle != "" {
		r.byHandle[e.Handle] = e.RecordID
	}
}

// Lookup finds the entry a completion belongs to, by handle first and by
// record key second. An entry bound to a different handle does not match,
// and neither does a retired handle.
func (r *Registry) Lookup(handle domain.TransferHandle, key string) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(handle, key)
	if e == nil {
		return RegistryEntry{}, false
	}
	return *e, true
}

func (r *Registry) lookupLocked(handle domain.TransferHandle, key string) *RegistryEntry {
	if id, ok := r.byHandle[handle]; ok {
		return r.byRecord[id]
	}
	if _, ok := r.retired[handle]; ok {
		return nil
	}
	e, ok := r.byRecord[key]
	if !ok || (e.Handle != "" && e.Handle != handle) {
		return nil
	}
	return e
}

// Remove deletes the entry a completion belongs to. It reports whether an
// entry was removed.
func (r *Registry) Remove(handle domain.TransferHandle, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(handle, key)
	if e == nil {
		return false
	}
	r.retireLocked(handle)
	r.retireLocked(e.Handle)
	delete(r.byHandle, e.Handle)
	delete(r.byRecord, e.RecordID)
	return true
}

// InFlight reports whether recordID has an entry.
func (r *Registry) InFlight(recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byRecord[recordID]
	return ok
}

// MarkOrphaned flags the entry for recordID so its result is discarded.
func (r *Registry) MarkOrphaned(recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byRecord[recordID]
	if !ok {
		return false
	}
	e.Orphaned = true
	return true
}

// CountForSession returns how many entries belong to sessionID.
func (r *Registry) CountForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.byRecord {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRecord)
}

// Entries returns a snapshot ordered by submission time.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegistryEntry, 0, len(r.byRecord))
	for _, e := range r.byRecord {
		out = append(out, *e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].RecordID < out[b].RecordID
		}
		return out[a].SubmittedAt.Before(out[b].SubmittedAt)
	})
	return out
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRecord = make(map[string]*RegistryEntry)
	r.byHandle = make(map[domain.TransferHandle]string)
}

package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

const journalFileName = "session.json"

// JournalEntry is the durable trace of one transfer.
type JournalEntry struct {
	Handle      domain.TransferHandle `json:"handle"`
	Key         string                `json:"key"`
	SessionID   string                `json:"session_id"`
	State       domain.Outcome        `json:"state"`
	Error       string                `json:"error,omitempty"`
	Size        int64                 `json:"size"`
	Checksum    string                `json:"checksum"`
	SubmittedAt time.Time             `json:"submitted_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Info converts the entry to what a transport reports on restore.
func (e JournalEntry) Info() domain.TransferInfo {
	return domain.TransferInfo{
		Handle:      e.Handle,
		Key:         e.Key,
		SessionID:   e.SessionID,
		Outcome:     e.State,
		Error:       e.Error,
		SubmittedAt: e.SubmittedAt,
	}
}

type journalFile struct {
	SessionID string         `json:"session_id"`
	Entries   []JournalEntry `json:"entries"`
}

// Journal persists the transfer table of a background session as a JSON
// file. Every mutation rewrites the file atomically.
type Journal struct {
	mu        sync.Mutex
	dir       string
	sessionID string
	entries   map[domain.TransferHandle]JournalEntry
}

// OpenJournal loads the journal in dir, creating an empty one if none exists.
func OpenJournal(dir, sessionID string) (*Journal, error) {
	j := &Journal{
		dir:       dir,
		sessionID: sessionID,
		entries:   make(map[domain.TransferHandle]JournalEntry),
	}

	data, err := os.ReadFile(j.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var f journalFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", j.Path(), err)
	}
	for _, e := range f.Entries {
		j.entries[e.Handle] = e
	}
	return j, nil
}

// Put inserts or replaces an entry and persists the journal.
func (j *Journal) Put(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, had := j.entries[e.Handle]
	j.entries[e.Handle] = e
	if err := j.saveLocked(); err != nil {
		if had {
			j.entries[e.Handle] = prev
		} else {
			delete(j.entries, e.Handle)
		}
		return err
	}
	return nil
}

// Get returns the entry for handle.
func (j *Journal) Get(handle domain.TransferHandle) (JournalEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[handle]
	return e, ok
}

// Remove deletes the entry for handle. Removing a missing entry is not an error.
func (j *Journal) Remove(handle domain.TransferHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, ok := j.entries[handle]
	if !ok {
		return nil
	}
	delete(j.entries, handle)
	if err := j.saveLocked(); err != nil {
		j.entries[handle] = prev
		return err
	}
	return nil
}

// Entries returns all entries ordered by submission time.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].Handle < out[b].Handle
		}
		return out[a].SubmittedAt.Before(out[b].SubmittedAt)
	})
	return out
}

// Len returns the number of journaled transfers.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// saveLocked writes the journal to a temp file and renames it into place.
func (j *Journal) saveLocked() error {
	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return err
	}

	f := journalFile{SessionID: j.sessionID, Entries: make([]JournalEntry, 0, len(j.entries))}
	for _, e := range j.entries {
		f.Entries = append(f.Entries, e)
	}
	sort.Slice(f.Entries, func(a, b int) bool { return f.Entries[a].Handle < f.Entries[b].Handle })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	path := j.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Path returns the full path to the journal file.
func (j *Journal) Path() string {
	return filepath.Join(j.dir, journalFileName)
}

package fs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bft-labs/scanship/internal/domain"
)

// Spool keeps request bodies on disk so a transfer can be relaunched after
// the process that submitted it is gone.
type Spool struct {
	dir string
}

// NewSpool creates a spool rooted at dir.
func NewSpool(dir string) *Spool {
	return &Spool{dir: dir}
}

// Write stores payload for handle atomically.
func (s *Spool) Write(handle domain.TransferHandle, payload []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	path := s.Path(handle)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Open returns a reader over the body stored for handle.
func (s *Spool) Open(handle domain.TransferHandle) (*os.File, error) {
	return os.Open(s.Path(handle))
}

// Remove deletes the body for handle. A missing file is not an error.
func (s *Spool) Remove(handle domain.TransferHandle) error {
	if err := os.Remove(s.Path(handle)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a body is stored for handle.
func (s *Spool) Exists(handle domain.TransferHandle) bool {
	_, err := os.Stat(s.Path(handle))
	return err == nil
}

// Path returns the spool file location for handle.
func (s *Spool) Path(handle domain.TransferHandle) string {
	return filepath.Join(s.dir, string(handle)+".body")
}

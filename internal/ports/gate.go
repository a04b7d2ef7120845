package ports

// Gate decides whether a dispatch pass may submit transfers right now.
// When it returns false the pass ends without touching any record and
// the next tick tries again.
type Gate interface {
	// OK returns true if connectivity and local resources allow uploading.
	OK() bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func() bool

// OK calls f.
func (f GateFunc) OK() bool { return f() }

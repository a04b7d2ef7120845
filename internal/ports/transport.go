package ports

import (
	"context"

	"github.com/bft-labs/scanship/internal/domain"
)

// Transport runs transfers on behalf of the pipeline. It outlives any
// single process: transfers it accepted are preserved across restarts and
// reported again by Restore.
type Transport interface {
	// Submit hands payload to the transport keyed by the record ID.
	// It returns once the transfer is durably accepted; it never waits
	// for the network.
	Submit(ctx context.Context, key string, payload []byte) (domain.TransferHandle, error)

	// Completions delivers one event per finished transfer. The channel
	// is closed when the transport shuts down.
	Completions() <-chan domain.CompletionEvent

	// Restore enumerates transfers preserved from earlier processes,
	// with their outcome when already known.
	Restore(ctx context.Context) ([]domain.TransferInfo, error)

	// Acknowledge tells the transport a result has been folded into the
	// record store so it can forget the transfer.
	Acknowledge(ctx context.Context, handle domain.TransferHandle) error

	// SessionID names the background session transfers belong to.
	SessionID() string
}

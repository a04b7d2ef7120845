package app

import (
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// UploadEventEmitter is told about submissions and folded results.
type UploadEventEmitter interface {
	OnSubmitted(recordID string, handle domain.TransferHandle, attempts int)
	OnSubmitError(recordID string, err error)
	OnCompleted(recordID string, status domain.Status, attempts int, reason string, duration time.Duration)
}

// RecoveryEventEmitter is told when startup reconciliation finishes.
type RecoveryEventEmitter interface {
	OnRecovered(report RecoveryReport)
}

// nopEmitter is used when the caller supplies no emitter.
type nopEmitter struct{}

func (nopEmitter) OnSubmitted(string, domain.TransferHandle, int)                {}
func (nopEmitter) OnSubmitError(string, error)                                   {}
func (nopEmitter) OnCompleted(string, domain.Status, int, string, time.Duration) {}
func (nopEmitter) OnRecovered(RecoveryReport)                                    {}

// PipelineEventEmitter receives every pipeline event.
type PipelineEventEmitter interface {
	UploadEventEmitter
	RecoveryEventEmitter
}

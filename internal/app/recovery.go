package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/bft-labs/scanship/internal/domain"
	"github.com/bft-labs/scanship/internal/observability"
	"github.com/bft-labs/scanship/internal/ports"
)

// lostTransferReason is stored on records whose transfer did not survive a
// restart.
const lostTransferReason = "transfer lost across restart"

// RecoveryReport summarizes startup reconciliation.
type RecoveryReport struct {
	// Resolved counts uploading records whose result the transport already had.
	Resolved int

	// Rebuilt counts uploading records whose transfer is still running.
	Rebuilt int

	// Orphaned counts uploading records with no surviving transfer. They
	// are marked failed.
	Orphaned int

	// Discarded counts transfers with no matching uploading record.
	Discarded int
}

// RestorePendingTasks reconciles the record store with the transfers the
// transport preserved, rebuilds the registry and opens the pipeline.
// Dispatch requests deferred while restoring run afterwards. It succeeds
// once; later calls return domain.ErrAlreadyRestored.
func (p *Pipeline) RestorePendingTasks(ctx context.Context) (RecoveryReport, error) {
	p.mu.Lock()
	if p.phase != phaseRestoring || p.recovering {
		p.mu.Unlock()
		return RecoveryReport{}, domain.ErrAlreadyRestored
	}
	p.recovering = true
	p.mu.Unlock()

	report, err := p.reconcile(ctx)

	p.mu.Lock()
	p.recovering = false
	if err != nil {
		p.mu.Unlock()
		return report, err
	}
	p.phase = phaseOpen
	deferred := p.deferred
	p.deferred = false
	p.mu.Unlock()

	p.logger.Info("recovery complete",
		ports.Int("resolved", report.Resolved),
		ports.Int("rebuilt", report.Rebuilt),
		ports.Int("orphaned", report.Orphaned),
		ports.Int("discarded", report.Discarded),
	)
	p.obs.Metrics().RecordOrphaned(ctx, report.Orphaned)
	p.emitter.OnRecovered(report)

	p.bridge.Open()
	if deferred {
		p.kick(ctx)
	}
	return report, nil
}

func (p *Pipeline) reconcile(ctx context.Context) (report RecoveryReport, err error) {
	ctx, span := p.obs.Tracer().StartRecover(ctx, p.transport.SessionID())
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	p.registry.Reset()

	infos, err := p.transport.Restore(ctx)
	if err != nil {
		return report, fmt.Errorf("restore transport: %w", err)
	}
	byKey := make(map[string][]domain.TransferInfo)
	for _, info := range infos {
		byKey[info.Key] = append(byKey[info.Key], info)
	}

	uploading, err := p.store.ListByStatus(ctx, domain.StatusUploading)
	if err != nil {
		return report, err
	}

	matched := make(map[string]struct{}, len(uploading))
	for _, rec := range uploading {
		matched[rec.ID] = struct{}{}
		pick, stale := pickTransfer(byKey[rec.ID])

		switch {
		case pick == nil:
			if err := p.orphan(ctx, rec.ID); err != nil {
				return report, err
			}
			report.Orphaned++

		case pick.Outcome.Done():
			reason := pick.Error
			if pick.Outcome == domain.OutcomeFailed && reason == "" {
				reason = "transfer failed"
			}
			updated, err := p.apply(ctx, rec.ID, pick.Outcome == domain.OutcomeSucceeded, reason)
			if err != nil {
				return report, err
			}
			if updated != nil {
				p.report(updated, pick.Handle, 0)
			}
			p.acknowledge(ctx, pick.Handle)
			report.Resolved++

		default:
			p.registry.Restore(RegistryEntry{
				RecordID:    rec.ID,
				Handle:      pick.Handle,
				SessionID:   pick.SessionID,
				SubmittedAt: pick.SubmittedAt,
			})
			report.Rebuilt++
		}

		for _, s := range stale {
			p.acknowledge(ctx, s.Handle)
		}
	}

	for _, info := range infos {
		if _, ok := matched[info.Key]; ok {
			continue
		}
		if info.Outcome.Done() {
			p.acknowledge(ctx, info.Handle)
		} else {
			p.registry.Restore(RegistryEntry{
				RecordID:    info.Key,
				Handle:      info.Handle,
				SessionID:   info.SessionID,
				SubmittedAt: info.SubmittedAt,
				Orphaned:    true,
			})
		}
		p.logger.Debug("transfer has no uploading record",
			ports.String("record_id", info.Key),
			ports.String("handle", string(info.Handle)),
			ports.String("state", string(info.Outcome)),
		)
		report.Discarded++
	}
	return report, nil
}

// orphan marks an uploading record with no surviving transfer as failed.
func (p *Pipeline) orphan(ctx context.Context, id string) error {
	_, err := p.store.UpdateStatus(ctx, id, domain.StatusFailed, lostTransferReason)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	p.logger.Warn("orphaned transfer",
		ports.String("record_id", id),
		ports.Err(&domain.OrphanedTransfer{RecordID: id}),
	)
	return nil
}

// pickTransfer chooses the transfer that decides a record's fate: the
// latest active one, else the latest finished one. Finished transfers not
// picked are returned as stale. ts must be ordered by submission time.
func pickTransfer(ts []domain.TransferInfo) (*domain.TransferInfo, []domain.TransferInfo) {
	pick := -1
	for i := range ts {
		if !ts[i].Outcome.Done() {
			pick = i
		}
	}
	if pick < 0 {
		pick = len(ts) - 1
	}
	if pick < 0 {
		return nil, nil
	}

	var stale []domain.TransferInfo
	for i := range ts {
		if i != pick && ts[i].Outcome.Done() {
			stale = append(stale, ts[i])
		}
	}
	chosen := ts[pick]
	return &chosen, stale
}

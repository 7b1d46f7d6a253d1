// Package poller drives live ingestion for one (tenant, program) pair:
// every tick it pages new signatures since the checkpoint, fetches and
// decodes their transactions in chronological order, and hands the
// whole cycle to the writer as one batch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/writer"
)

const (
	// DefaultInterval is the poll cadence.
	DefaultInterval = 2 * time.Second
	// maxPagesPerTick bounds one tick's signature fetch; the rest is
	// picked up next tick via the checkpoint cursor.
	maxPagesPerTick = 10
)

// SignatureSource is the slice of the RPC client the poller needs.
type SignatureSource interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts solana.SignaturesOpts) ([]solana.SignatureInfo, error)
	GetParsedTransaction(ctx context.Context, signature string) (*solana.ParsedTx, error)
}

// Sink is the slice of the writer the poller needs.
type Sink interface {
	WriteBatch(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, batch writer.Batch) (writer.Result, error)
	GetCheckpoint(ctx context.Context, namespace, programID string) (writer.Checkpoint, error)
}

// Config describes one pipeline's poller.
type Config struct {
	TenantID   string
	Namespace  string
	Descriptor *idl.ProgramDescriptor
	Interval   time.Duration
	PageSize   int
	// Subscribers rides on every batch for fanout matching.
	Subscribers []string
	// KeepTxLogs stores raw log blocks alongside decoded rows.
	KeepTxLogs bool
}

type Poller struct {
	cfg       Config
	client    SignatureSource
	sink      Sink
	decoders  []decode.Decoder
	collector *metrics.Collector
	logger    zerolog.Logger
}

func New(cfg Config, client SignatureSource, sink Sink, decoders []decode.Decoder, collector *metrics.Collector, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 || cfg.PageSize > solana.MaxSignaturePageSize {
		cfg.PageSize = solana.MaxSignaturePageSize
	}
	return &Poller{
		cfg:       cfg,
		client:    client,
		sink:      sink,
		decoders:  decoders,
		collector: collector,
		logger: logger.With().
			Str("component", "poller").
			Str("tenant", cfg.TenantID).
			Str("program", cfg.Descriptor.ProgramID).
			Logger(),
	}
}

// Run polls until the context is cancelled. Transient failures are
// logged and retried on the next tick; only context cancellation ends
// the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("poller starting")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.collector.RecordError(err)
			if errors.Is(err, solana.ErrTransient) {
				p.logger.Warn().Err(err).Msg("transient poll failure, will retry")
			} else {
				p.logger.Error().Err(err).Msg("poll failed")
			}
		}
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one poll cycle. Exported for the backfill-completion path
// and tests; Run calls it on the ticker.
func (p *Poller) Tick(ctx context.Context) error {
	desc := p.cfg.Descriptor

	cp, err := p.sink.GetCheckpoint(ctx, p.cfg.Namespace, desc.ProgramID)
	if err != nil {
		return err
	}
	if cp.Signature == "" {
		return p.initCheckpoint(ctx)
	}

	sigs, err := p.newSignatures(ctx, cp.Signature)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}

	batch := writer.Batch{Subscribers: p.cfg.Subscribers, Checkpoint: cp}
	var txCount int
	var skipped int64

	for _, info := range sigs {
		if info.Err != nil {
			// Failed on chain: advance past it, index nothing.
			batch.Checkpoint = writer.Checkpoint{Slot: info.Slot, Signature: info.Signature}
			continue
		}

		tx, err := p.client.GetParsedTransaction(ctx, info.Signature)
		if err != nil {
			return err
		}
		if tx == nil {
			// Node does not see it yet; stop here so ordering holds
			// and retry from the same position next tick.
			break
		}

		txCount++
		for _, d := range p.decoders {
			rows, skip := d.DecodeTransaction(desc, info.Signature, tx)
			batch.Rows = append(batch.Rows, rows...)
			skipped += int64(skip)
		}
		if p.cfg.KeepTxLogs && tx.Meta != nil {
			batch.TxLogs = append(batch.TxLogs, writer.TxLog{
				Signature: info.Signature,
				Slot:      tx.Slot,
				Messages:  tx.Meta.LogMessages,
			})
		}
		batch.Checkpoint = writer.Checkpoint{Slot: tx.Slot, Signature: info.Signature}
	}

	if txCount == 0 && batch.Checkpoint == cp {
		return nil
	}

	res, err := p.sink.WriteBatch(ctx, p.cfg.Namespace, desc, batch)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	p.collector.RecordPoll(p.cfg.TenantID, desc.ProgramID, batch.Checkpoint.Slot,
		txCount, res.RowsInserted, res.EventsInserted, skipped)
	p.logger.Debug().
		Int("tx", txCount).
		Int64("rows", res.RowsInserted).
		Int64("duplicates", res.Duplicates).
		Int64("skipped", skipped).
		Uint64("slot", batch.Checkpoint.Slot).
		Msg("poll cycle complete")
	return nil
}

// initCheckpoint anchors a fresh pipeline at the program's most recent
// signature so live polling starts from "now"; history is the backfill
// module's job.
func (p *Poller) initCheckpoint(ctx context.Context) error {
	sigs, err := p.client.GetSignaturesForAddress(ctx, p.cfg.Descriptor.ProgramID, solana.SignaturesOpts{Limit: 1})
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil // nothing on chain yet, try again next tick
	}

	batch := writer.Batch{
		Subscribers: p.cfg.Subscribers,
		Checkpoint:  writer.Checkpoint{Slot: sigs[0].Slot, Signature: sigs[0].Signature},
	}
	if _, err := p.sink.WriteBatch(ctx, p.cfg.Namespace, p.cfg.Descriptor, batch); err != nil {
		return fmt.Errorf("anchor checkpoint: %w", err)
	}
	p.logger.Info().Uint64("slot", sigs[0].Slot).Msg("checkpoint anchored at chain head")
	return nil
}

// newSignatures pages signatures newer than the cursor and returns them
// in chronological (oldest-first) order.
func (p *Poller) newSignatures(ctx context.Context, until string) ([]solana.SignatureInfo, error) {
	var all []solana.SignatureInfo
	before := ""

	for page := 0; page < maxPagesPerTick; page++ {
		sigs, err := p.client.GetSignaturesForAddress(ctx, p.cfg.Descriptor.ProgramID, solana.SignaturesOpts{
			Limit:  p.cfg.PageSize,
			Until:  until,
			Before: before,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, sigs...)
		if len(sigs) < p.cfg.PageSize {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	// Wire order is newest-first; processing order is oldest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

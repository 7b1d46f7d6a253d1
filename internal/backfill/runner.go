package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/poller"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/writer"
)

const (
	// DefaultThrottle paces RPC requests during the walk.
	DefaultThrottle = 100 * time.Millisecond
	// progressInterval is how often the walk flushes its position.
	progressInterval = 5 * time.Second
)

// Walker crawls one job's slot range backwards through the signature
// history, decoding and writing each in-range transaction. It shares
// the poller's SignatureSource and Sink seams.
type Walker struct {
	Namespace   string
	Descriptor  *idl.ProgramDescriptor
	Subscribers []string
	Throttle    time.Duration
	PageSize    int

	Client   poller.SignatureSource
	Sink     poller.Sink
	Decoders []decode.Decoder
	Logger   zerolog.Logger
}

// Run walks from the job's end slot down to its start slot. Cancellation
// is observed between transactions; progress flushes every 5 seconds
// and once at the end.
func (w *Walker) Run(ctx context.Context, job store.BackfillJob, progress ProgressFunc) error {
	if w.Throttle <= 0 {
		w.Throttle = DefaultThrottle
	}
	if w.PageSize <= 0 || w.PageSize > solana.MaxSignaturePageSize {
		w.PageSize = solana.MaxSignaturePageSize
	}
	logger := w.Logger.With().Str("component", "backfill-walker").Str("job", job.ID).Logger()

	total := job.EndSlot - job.StartSlot + 1
	found := job.EventsFound
	skipped := job.EventsSkipped
	currentSlot := job.EndSlot
	lastFlush := time.Now()
	before := job.LastSignature

	flush := func() {
		processed := job.EndSlot - currentSlot + 1
		p := float64(processed) / float64(total)
		if p > 1 {
			p = 1
		}
		progress(currentSlot, p, found, skipped, before)
	}
	defer flush()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sigs, err := w.Client.GetSignaturesForAddress(ctx, w.Descriptor.ProgramID, solana.SignaturesOpts{
			Limit:  w.PageSize,
			Before: before,
		})
		if err != nil {
			return err
		}
		if len(sigs) == 0 {
			return nil // history exhausted
		}

		for _, info := range sigs {
			if info.Slot < job.StartSlot {
				logger.Info().Uint64("slot", info.Slot).Msg("walk reached range start")
				return nil
			}
			before = info.Signature
			if info.Slot > job.EndSlot || info.Err != nil {
				continue
			}

			if err := ctx.Err(); err != nil {
				return err
			}
			tx, err := w.Client.GetParsedTransaction(ctx, info.Signature)
			if err != nil {
				return err
			}
			if tx == nil {
				continue // pruned from the node, nothing to index
			}

			batch := writer.Batch{Subscribers: w.Subscribers}
			for _, d := range w.Decoders {
				rows, skip := d.DecodeTransaction(w.Descriptor, info.Signature, tx)
				batch.Rows = append(batch.Rows, rows...)
				skipped += int64(skip)
			}
			if len(batch.Rows) > 0 {
				res, err := w.Sink.WriteBatch(ctx, w.Namespace, w.Descriptor, batch)
				if err != nil {
					return fmt.Errorf("write backfill batch: %w", err)
				}
				found += res.EventsInserted
			}

			currentSlot = info.Slot
			if time.Since(lastFlush) >= progressInterval {
				flush()
				lastFlush = time.Now()
			}

			select {
			case <-time.After(w.Throttle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/writer"
)

func TestClampRange(t *testing.T) {
	const head = 100_000

	t.Run("open end clamps to head", func(t *testing.T) {
		r, err := ClampRange(Range{StartSlot: 95_000}, head)
		if err != nil {
			t.Fatalf("clamp: %v", err)
		}
		if r.StartSlot != 95_000 || r.EndSlot != head {
			t.Errorf("range = %+v", r)
		}
	})

	t.Run("end beyond head clamps", func(t *testing.T) {
		r, err := ClampRange(Range{StartSlot: 95_000, EndSlot: 200_000}, head)
		if err != nil {
			t.Fatalf("clamp: %v", err)
		}
		if r.EndSlot != head {
			t.Errorf("end = %d", r.EndSlot)
		}
	})

	t.Run("start at the cap boundary is allowed", func(t *testing.T) {
		if _, err := ClampRange(Range{StartSlot: head - DemoMaxSlots}, head); err != nil {
			t.Errorf("boundary start rejected: %v", err)
		}
	})

	t.Run("zero start clamps to the demo floor", func(t *testing.T) {
		r, err := ClampRange(Range{StartSlot: 0}, 1_000_000)
		if err != nil {
			t.Fatalf("clamp: %v", err)
		}
		if r.StartSlot != 990_000 || r.EndSlot != 1_000_000 {
			t.Errorf("range = %+v, want [990000, 1000000]", r)
		}
	})

	t.Run("start one past the cap fails", func(t *testing.T) {
		_, err := ClampRange(Range{StartSlot: head - DemoMaxSlots - 1}, head)
		if !errors.Is(err, ErrDemoLimit) {
			t.Errorf("want ErrDemoLimit, got %v", err)
		}
	})

	t.Run("inverted range fails", func(t *testing.T) {
		if _, err := ClampRange(Range{StartSlot: 99_000, EndSlot: 98_000}, head); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("young chain has floor zero", func(t *testing.T) {
		if _, err := ClampRange(Range{StartSlot: 0}, 500); err != nil {
			t.Errorf("clamp on young chain: %v", err)
		}
	})
}

type fakeChain struct {
	pages [][]solana.SignatureInfo
	calls int
	txs   map[string]*solana.ParsedTx
}

func (f *fakeChain) GetSignaturesForAddress(_ context.Context, _ string, _ solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeChain) GetParsedTransaction(_ context.Context, sig string) (*solana.ParsedTx, error) {
	return f.txs[sig], nil
}

type fakeSink struct{ batches []writer.Batch }

func (f *fakeSink) WriteBatch(_ context.Context, _ string, _ *idl.ProgramDescriptor, batch writer.Batch) (writer.Result, error) {
	f.batches = append(f.batches, batch)
	return writer.Result{RowsInserted: int64(len(batch.Rows)), EventsInserted: int64(len(batch.Rows))}, nil
}

func (f *fakeSink) GetCheckpoint(_ context.Context, _, _ string) (writer.Checkpoint, error) {
	return writer.Checkpoint{}, nil
}

type rowPerTx struct{}

func (rowPerTx) DecodeTransaction(desc *idl.ProgramDescriptor, sig string, tx *solana.ParsedTx) ([]decode.Row, int) {
	return []decode.Row{decode.Event{EventName: "e", ProgramID: desc.ProgramID, Slot: tx.Slot, TxSignature: sig}}, 0
}

func testWalker(chain *fakeChain, sink *fakeSink) *Walker {
	return &Walker{
		Namespace:  "u_deadbeef00",
		Descriptor: &idl.ProgramDescriptor{ProgramID: "Prog1", ProgramName: "prog"},
		Throttle:   time.Millisecond,
		Client:     chain,
		Sink:       sink,
		Decoders:   []decode.Decoder{rowPerTx{}},
		Logger:     zerolog.Nop(),
	}
}

func TestWalkerStopsAtRangeStart(t *testing.T) {
	chain := &fakeChain{
		pages: [][]solana.SignatureInfo{{
			{Signature: "s5", Slot: 150},
			{Signature: "s4", Slot: 140},
			{Signature: "s3", Slot: 90}, // below start slot
		}},
		txs: map[string]*solana.ParsedTx{
			"s5": {Slot: 150},
			"s4": {Slot: 140},
		},
	}
	sink := &fakeSink{}
	w := testWalker(chain, sink)

	var lastProgress float64
	var found int64
	job := store.BackfillJob{ID: "job-1", StartSlot: 100, EndSlot: 160}
	err := w.Run(context.Background(), job, func(_ uint64, p float64, f, _ int64, _ string) {
		if p < lastProgress {
			t.Errorf("progress regressed: %f -> %f", lastProgress, p)
		}
		lastProgress, found = p, f
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.batches) != 2 {
		t.Errorf("batches = %d, want 2", len(sink.batches))
	}
	if found != 2 {
		t.Errorf("events found = %d", found)
	}
}

func TestWalkerSkipsFailedAndOutOfRange(t *testing.T) {
	chain := &fakeChain{
		pages: [][]solana.SignatureInfo{{
			{Signature: "s9", Slot: 500}, // above end slot
			{Signature: "s8", Slot: 150, Err: map[string]any{"some": "err"}},
			{Signature: "s7", Slot: 140},
		}},
		txs: map[string]*solana.ParsedTx{"s7": {Slot: 140}},
	}
	sink := &fakeSink{}
	w := testWalker(chain, sink)

	job := store.BackfillJob{ID: "job-2", StartSlot: 100, EndSlot: 160}
	if err := w.Run(context.Background(), job, func(uint64, float64, int64, int64, string) {}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Errorf("batches = %d, want 1 (only s7)", len(sink.batches))
	}
}

func TestWalkerCancellation(t *testing.T) {
	page := make([]solana.SignatureInfo, 50)
	txs := make(map[string]*solana.ParsedTx, 50)
	for i := range page {
		sig := string(rune('a' + i%26))
		page[i] = solana.SignatureInfo{Signature: sig, Slot: uint64(200 - i)}
		txs[sig] = &solana.ParsedTx{Slot: uint64(200 - i)}
	}
	chain := &fakeChain{pages: [][]solana.SignatureInfo{page}, txs: txs}
	sink := &fakeSink{}
	w := testWalker(chain, sink)
	w.Throttle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	job := store.BackfillJob{ID: "job-3", StartSlot: 0, EndSlot: 200}
	err := w.Run(ctx, job, func(uint64, float64, int64, int64, string) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(sink.batches) >= 50 {
		t.Errorf("walk did not stop early: %d batches", len(sink.batches))
	}
}

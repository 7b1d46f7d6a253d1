package poller

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/writer"
)

type fakeChain struct {
	sigs map[string][]solana.SignatureInfo // keyed by until cursor
	txs  map[string]*solana.ParsedTx
}

func (f *fakeChain) GetSignaturesForAddress(_ context.Context, _ string, opts solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	if opts.Before != "" {
		return nil, nil
	}
	return f.sigs[opts.Until], nil
}

func (f *fakeChain) GetParsedTransaction(_ context.Context, sig string) (*solana.ParsedTx, error) {
	return f.txs[sig], nil
}

type fakeSink struct {
	checkpoint writer.Checkpoint
	batches    []writer.Batch
}

func (f *fakeSink) WriteBatch(_ context.Context, _ string, _ *idl.ProgramDescriptor, batch writer.Batch) (writer.Result, error) {
	f.batches = append(f.batches, batch)
	f.checkpoint = batch.Checkpoint
	return writer.Result{RowsInserted: int64(len(batch.Rows))}, nil
}

func (f *fakeSink) GetCheckpoint(_ context.Context, _, _ string) (writer.Checkpoint, error) {
	return f.checkpoint, nil
}

// countDecoder emits one event row per transaction it sees.
type countDecoder struct{ seen []string }

func (d *countDecoder) DecodeTransaction(desc *idl.ProgramDescriptor, sig string, tx *solana.ParsedTx) ([]decode.Row, int) {
	d.seen = append(d.seen, sig)
	return []decode.Row{decode.Event{
		EventName: "e", ProgramID: desc.ProgramID, Slot: tx.Slot, TxSignature: sig,
	}}, 0
}

func testPoller(chain *fakeChain, sink *fakeSink, dec decode.Decoder) *Poller {
	desc := &idl.ProgramDescriptor{ProgramID: "Prog1", ProgramName: "prog"}
	c := metrics.NewCollector(zerolog.Nop())
	return New(Config{
		TenantID:  "tenant-1",
		Namespace: "u_deadbeef00",
		Descriptor: desc,
	}, chain, sink, []decode.Decoder{dec}, c, zerolog.Nop())
}

func TestTickAnchorsFreshCheckpoint(t *testing.T) {
	chain := &fakeChain{
		sigs: map[string][]solana.SignatureInfo{
			"": {{Signature: "head", Slot: 900}},
		},
	}
	sink := &fakeSink{}
	dec := &countDecoder{}
	p := testPoller(chain, sink, dec)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dec.seen) != 0 {
		t.Errorf("anchor tick should not decode, saw %v", dec.seen)
	}
	if sink.checkpoint.Signature != "head" || sink.checkpoint.Slot != 900 {
		t.Errorf("checkpoint = %+v", sink.checkpoint)
	}
}

func TestTickProcessesChronologically(t *testing.T) {
	chain := &fakeChain{
		sigs: map[string][]solana.SignatureInfo{
			// Newest-first wire order after the checkpoint cursor.
			"s0": {
				{Signature: "s3", Slot: 30},
				{Signature: "s2", Slot: 20},
				{Signature: "s1", Slot: 10},
			},
		},
		txs: map[string]*solana.ParsedTx{
			"s1": {Slot: 10},
			"s2": {Slot: 20},
			"s3": {Slot: 30},
		},
	}
	sink := &fakeSink{checkpoint: writer.Checkpoint{Slot: 5, Signature: "s0"}}
	dec := &countDecoder{}
	p := testPoller(chain, sink, dec)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dec.seen) != 3 || dec.seen[0] != "s1" || dec.seen[2] != "s3" {
		t.Errorf("decode order = %v", dec.seen)
	}
	if sink.checkpoint.Signature != "s3" || sink.checkpoint.Slot != 30 {
		t.Errorf("checkpoint = %+v", sink.checkpoint)
	}
	if len(sink.batches) != 1 || len(sink.batches[0].Rows) != 3 {
		t.Errorf("batches = %+v", sink.batches)
	}
}

func TestTickSkipsFailedTransactions(t *testing.T) {
	chain := &fakeChain{
		sigs: map[string][]solana.SignatureInfo{
			"s0": {
				{Signature: "s2", Slot: 20},
				{Signature: "s1", Slot: 10, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
			},
		},
		txs: map[string]*solana.ParsedTx{"s2": {Slot: 20}},
	}
	sink := &fakeSink{checkpoint: writer.Checkpoint{Signature: "s0"}}
	dec := &countDecoder{}
	p := testPoller(chain, sink, dec)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dec.seen) != 1 || dec.seen[0] != "s2" {
		t.Errorf("decoded = %v", dec.seen)
	}
	if sink.checkpoint.Signature != "s2" {
		t.Errorf("checkpoint = %+v", sink.checkpoint)
	}
}

func TestTickStopsAtUnresolvedTransaction(t *testing.T) {
	chain := &fakeChain{
		sigs: map[string][]solana.SignatureInfo{
			"s0": {
				{Signature: "s3", Slot: 30},
				{Signature: "s2", Slot: 20}, // node does not see it yet
				{Signature: "s1", Slot: 10},
			},
		},
		txs: map[string]*solana.ParsedTx{
			"s1": {Slot: 10},
			"s3": {Slot: 30},
		},
	}
	sink := &fakeSink{checkpoint: writer.Checkpoint{Signature: "s0"}}
	dec := &countDecoder{}
	p := testPoller(chain, sink, dec)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dec.seen) != 1 || dec.seen[0] != "s1" {
		t.Errorf("decoded = %v", dec.seen)
	}
	// Checkpoint stays before s2 so the next tick retries it.
	if sink.checkpoint.Signature != "s1" {
		t.Errorf("checkpoint = %+v", sink.checkpoint)
	}
}

func TestTickNoNewSignatures(t *testing.T) {
	chain := &fakeChain{sigs: map[string][]solana.SignatureInfo{}}
	sink := &fakeSink{checkpoint: writer.Checkpoint{Signature: "s0"}}
	dec := &countDecoder{}
	p := testPoller(chain, sink, dec)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Errorf("idle tick should not write, got %d batches", len(sink.batches))
	}
}

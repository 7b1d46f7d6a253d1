// Package decode turns parsed Solana transactions into typed rows using
// a ProgramDescriptor: Anchor "Program data:" event logs, raw instruction
// payloads, and the cross-cutting SPL-Token movement passes.
//
// Decoders are pure functions of (descriptor, transaction): stateless and
// safe to run concurrently per transaction. Mismatches and IDL drift are
// reported as skip counters, never as errors.
package decode

import (
	"time"

	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/solana"
)

// Row is a tagged variant: Event, Instruction, TokenTransfer or
// BalanceDelta.
type Row interface {
	isRow()
}

// Event is one decoded Anchor event occurrence.
type Event struct {
	EventName    string
	ProgramID    string
	Slot         uint64
	BlockTime    *time.Time
	TxSignature  string
	IxIndex      int
	InnerIxIndex *int
	Data         map[string]any
}

// Instruction is one decoded instruction occurrence with its positional
// accounts bound by name.
type Instruction struct {
	InstructionName string
	ProgramID       string
	Slot            uint64
	BlockTime       *time.Time
	TxSignature     string
	IxIndex         int
	Accounts        map[string]string
	Args            map[string]any
}

// TokenTransfer is one normalized SPL-Token movement (Token or
// Token-2022, parsed or raw form).
type TokenTransfer struct {
	InstructionType string // transfer, mintTo, burn, transferChecked
	TokenProgram    string
	Slot            uint64
	BlockTime       *time.Time
	TxSignature     string
	IxIndex         int
	InnerIxIndex    *int
	Source          string
	Destination     string
	Authority       string
	Mint            string
	Amount          string // raw integer amount
	Decimals        *int
}

// BalanceDelta is one (account, mint) pre/post token-balance difference.
type BalanceDelta struct {
	Slot         uint64
	BlockTime    *time.Time
	TxSignature  string
	AccountIndex int
	Account      string
	Mint         string
	Owner        string
	PreAmount    string
	PostAmount   string
	Delta        string
	Decimals     *int
}

func (Event) isRow()         {}
func (Instruction) isRow()   {}
func (TokenTransfer) isRow() {}
func (BalanceDelta) isRow()  {}

// Decoder is the shared shape of the three decoder passes. The returned
// count reports rows skipped for discriminator mismatch or IDL drift.
type Decoder interface {
	DecodeTransaction(desc *idl.ProgramDescriptor, signature string, tx *solana.ParsedTx) (rows []Row, skipped int)
}

func blockTime(tx *solana.ParsedTx) *time.Time {
	if tx.BlockTime == nil {
		return nil
	}
	t := time.Unix(*tx.BlockTime, 0).UTC()
	return &t
}

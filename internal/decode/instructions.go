package decode

import (
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/solana"
)

// InstructionDecoder matches raw instruction payloads against the
// descriptor's discriminator table and binds accounts positionally.
type InstructionDecoder struct {
	// Enabled filters by normalized instruction name. Nil means all.
	Enabled map[string]bool
	Logger  zerolog.Logger
}

// DecodeTransaction decodes every top-level and inner instruction whose
// program matches the descriptor. Inner occurrences carry their parent's
// instruction index; at-most-once insertion dedupes them downstream.
func (d *InstructionDecoder) DecodeTransaction(desc *idl.ProgramDescriptor, signature string, tx *solana.ParsedTx) ([]Row, int) {
	if tx == nil || tx.Failed() {
		return nil, 0
	}

	var (
		rows    []Row
		skipped int
		bt      = blockTime(tx)
	)

	decodeOne := func(ix solana.Instruction, ixIndex int) {
		if ix.ProgramID != desc.ProgramID || ix.Data == "" {
			return
		}
		raw, err := base58.Decode(ix.Data)
		if err != nil {
			skipped++
			return
		}
		decl := desc.InstructionByData(raw)
		if decl == nil {
			return // unknown discriminator, not declared in the IDL
		}
		if d.Enabled != nil && !d.Enabled[decl.Name] {
			return
		}

		args, err := decodeFields(decl.Args, raw[len(decl.Discriminator):])
		if err != nil {
			skipped++
			d.Logger.Warn().
				Str("instruction", decl.Name).
				Str("signature", signature).
				Err(err).
				Msg("skipping instruction with mismatched layout")
			return
		}

		accounts := make(map[string]string, len(decl.Accounts))
		for i, name := range decl.Accounts {
			if i < len(ix.Accounts) {
				accounts[name] = ix.Accounts[i]
			}
		}

		rows = append(rows, Instruction{
			InstructionName: decl.Name,
			ProgramID:       desc.ProgramID,
			Slot:            tx.Slot,
			BlockTime:       bt,
			TxSignature:     signature,
			IxIndex:         ixIndex,
			Accounts:        accounts,
			Args:            args,
		})
	}

	for i, ix := range tx.Transaction.Message.Instructions {
		decodeOne(ix, i)
	}
	if tx.Meta != nil {
		for _, set := range tx.Meta.InnerInstructions {
			for _, ix := range set.Instructions {
				decodeOne(ix, set.Index)
			}
		}
	}
	return rows, skipped
}

package decode

import (
	"encoding/base64"
	"strings"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/solana"
)

const programDataPrefix = "Program data: "

// EventDecoder scans transaction log messages for Anchor
// "Program data: <base64>" entries and decodes the ones whose
// discriminator matches an enabled event of the descriptor.
type EventDecoder struct {
	// Enabled filters by normalized event name. Nil means all events.
	Enabled map[string]bool
	Logger  zerolog.Logger
}

// DecodeTransaction walks the logs in order, attributing each event to
// the top-level instruction whose invoke frame it appeared under, and
// to the CPI position within that frame when depth > 1.
func (d *EventDecoder) DecodeTransaction(desc *idl.ProgramDescriptor, signature string, tx *solana.ParsedTx) ([]Row, int) {
	if tx == nil || tx.Meta == nil || tx.Failed() {
		return nil, 0
	}

	var (
		rows    []Row
		skipped int
		bt      = blockTime(tx)

		ixIndex    = -1 // current top-level instruction, by invoke [1] count
		depth      = 0
		innerCount = 0 // CPI invokes seen within the current top-level frame
	)

	for _, line := range tx.Meta.LogMessages {
		if invokeDepth, ok := parseInvoke(line); ok {
			depth = invokeDepth
			if invokeDepth == 1 {
				ixIndex++
				innerCount = 0
			} else {
				innerCount++
			}
			continue
		}

		payload, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil || len(raw) < 8 {
			skipped++
			continue
		}

		ev := desc.EventByDiscriminator(raw)
		if ev == nil {
			continue // not one of ours
		}
		if d.Enabled != nil && !d.Enabled[ev.Name] {
			continue
		}

		data, err := decodeFields(ev.Fields, raw[8:])
		if err != nil {
			skipped++
			d.Logger.Warn().
				Str("event", ev.Name).
				Str("signature", signature).
				Err(err).
				Msg("skipping event with mismatched layout")
			continue
		}

		row := Event{
			EventName:   ev.Name,
			ProgramID:   desc.ProgramID,
			Slot:        tx.Slot,
			BlockTime:   bt,
			TxSignature: signature,
			IxIndex:     max(ixIndex, 0),
			Data:        data,
		}
		if depth > 1 && innerCount > 0 {
			inner := innerCount - 1
			row.InnerIxIndex = &inner
		}
		rows = append(rows, row)
	}
	return rows, skipped
}

// parseInvoke recognizes "Program <id> invoke [N]" log lines and
// returns N.
func parseInvoke(line string) (int, bool) {
	if !strings.HasPrefix(line, "Program ") {
		return 0, false
	}
	i := strings.Index(line, " invoke [")
	if i < 0 || !strings.HasSuffix(line, "]") {
		return 0, false
	}
	depth := 0
	for _, r := range line[i+len(" invoke [") : len(line)-1] {
		if r < '0' || r > '9' {
			return 0, false
		}
		depth = depth*10 + int(r-'0')
	}
	if depth == 0 {
		return 0, false
	}
	return depth, true
}

package decode

import (
	"encoding/binary"
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/solana"
)

// SPL token program ids (Token and Token-2022).
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// Raw SPL-Token instruction discriminants (single byte).
const (
	tokenIxTransfer        = 3
	tokenIxMintTo          = 7
	tokenIxBurn            = 8
	tokenIxTransferChecked = 12
	tokenIxMintToChecked   = 14
	tokenIxBurnChecked     = 15
)

// TokenDecoder extracts SPL-Token movements that ride along any
// transaction mentioning an indexed program: CPI transfers from the two
// token programs and pre/post token-balance deltas. The descriptor is
// only used to tag ownership; the token layouts are fixed.
type TokenDecoder struct {
	// Transfers and Deltas gate the two passes independently.
	Transfers bool
	Deltas    bool
	Logger    zerolog.Logger
}

// DecodeTransaction runs the enabled token passes over the transaction.
func (d *TokenDecoder) DecodeTransaction(_ *idl.ProgramDescriptor, signature string, tx *solana.ParsedTx) ([]Row, int) {
	if tx == nil || tx.Meta == nil || tx.Failed() {
		return nil, 0
	}

	var rows []Row
	var skipped int
	bt := blockTime(tx)

	if d.Transfers {
		for i, ix := range tx.Transaction.Message.Instructions {
			if t, ok, drift := d.transfer(ix); ok {
				t.Slot, t.BlockTime, t.TxSignature, t.IxIndex = tx.Slot, bt, signature, i
				rows = append(rows, t)
			} else if drift {
				skipped++
			}
		}
		for _, set := range tx.Meta.InnerInstructions {
			for j, ix := range set.Instructions {
				if t, ok, drift := d.transfer(ix); ok {
					inner := j
					t.Slot, t.BlockTime, t.TxSignature = tx.Slot, bt, signature
					t.IxIndex, t.InnerIxIndex = set.Index, &inner
					rows = append(rows, t)
				} else if drift {
					skipped++
				}
			}
		}
	}

	if d.Deltas {
		rows = append(rows, d.balanceDeltas(signature, tx, bt)...)
	}
	return rows, skipped
}

// transfer recognizes one token-program instruction in either the
// jsonParsed or the raw base58 form. The third return flags a payload
// that claimed a known discriminant but did not fit its layout.
func (d *TokenDecoder) transfer(ix solana.Instruction) (TokenTransfer, bool, bool) {
	if ix.ProgramID != TokenProgramID && ix.ProgramID != Token2022ProgramID {
		return TokenTransfer{}, false, false
	}
	if p, ok := ix.ParsedInstruction(); ok {
		return parsedTransfer(ix.ProgramID, p)
	}
	return rawTransfer(ix)
}

// tokenIxInfo is the union of the parsed-info shapes of the six
// recognized token instructions.
type tokenIxInfo struct {
	Source            string `json:"source"`
	Destination       string `json:"destination"`
	Account           string `json:"account"`
	Mint              string `json:"mint"`
	Authority         string `json:"authority"`
	MultisigAuthority string `json:"multisigAuthority"`
	MintAuthority     string `json:"mintAuthority"`
	Amount            string `json:"amount"`
	TokenAmount       *struct {
		Amount   string `json:"amount"`
		Decimals *int   `json:"decimals"`
	} `json:"tokenAmount"`
}

func parsedTransfer(program string, p *solana.ParsedInfo) (TokenTransfer, bool, bool) {
	ixType := p.Type
	switch ixType {
	case "transfer", "transferChecked", "mintTo", "burn":
	case "mintToChecked":
		ixType = "mintTo"
	case "burnChecked":
		ixType = "burn"
	default:
		return TokenTransfer{}, false, false
	}

	var info tokenIxInfo
	if err := json.Unmarshal(p.Info, &info); err != nil {
		return TokenTransfer{}, false, true
	}

	t := TokenTransfer{
		InstructionType: ixType,
		TokenProgram:    program,
		Source:          info.Source,
		Destination:     info.Destination,
		Authority:       info.Authority,
		Mint:            info.Mint,
		Amount:          info.Amount,
	}
	if t.Authority == "" {
		t.Authority = info.MultisigAuthority
	}
	if t.Authority == "" {
		t.Authority = info.MintAuthority
	}
	if info.TokenAmount != nil {
		t.Amount = info.TokenAmount.Amount
		t.Decimals = info.TokenAmount.Decimals
	}
	switch ixType {
	case "mintTo":
		t.Destination = info.Account
	case "burn":
		t.Source = info.Account
	}
	if t.Amount == "" {
		return TokenTransfer{}, false, true
	}
	return t, true, false
}

func rawTransfer(ix solana.Instruction) (TokenTransfer, bool, bool) {
	raw, err := base58.Decode(ix.Data)
	if err != nil || len(raw) == 0 {
		return TokenTransfer{}, false, false
	}

	t := TokenTransfer{TokenProgram: ix.ProgramID}
	acct := func(i int) string {
		if i < len(ix.Accounts) {
			return ix.Accounts[i]
		}
		return ""
	}
	amount := func(checked bool) bool {
		want := 9
		if checked {
			want = 10
		}
		if len(raw) < want {
			return false
		}
		t.Amount = strconv.FormatUint(binary.LittleEndian.Uint64(raw[1:9]), 10)
		if checked {
			dec := int(raw[9])
			t.Decimals = &dec
		}
		return true
	}

	switch raw[0] {
	case tokenIxTransfer:
		t.InstructionType = "transfer"
		if !amount(false) {
			return TokenTransfer{}, false, true
		}
		t.Source, t.Destination, t.Authority = acct(0), acct(1), acct(2)
	case tokenIxTransferChecked:
		t.InstructionType = "transferChecked"
		if !amount(true) {
			return TokenTransfer{}, false, true
		}
		t.Source, t.Mint, t.Destination, t.Authority = acct(0), acct(1), acct(2), acct(3)
	case tokenIxMintTo, tokenIxMintToChecked:
		t.InstructionType = "mintTo"
		if !amount(raw[0] == tokenIxMintToChecked) {
			return TokenTransfer{}, false, true
		}
		t.Mint, t.Destination, t.Authority = acct(0), acct(1), acct(2)
	case tokenIxBurn, tokenIxBurnChecked:
		t.InstructionType = "burn"
		if !amount(raw[0] == tokenIxBurnChecked) {
			return TokenTransfer{}, false, true
		}
		t.Source, t.Mint, t.Authority = acct(0), acct(1), acct(2)
	default:
		return TokenTransfer{}, false, false
	}
	return t, true, false
}

// balanceDeltas diffs pre/post token balances per account index,
// skipping zero deltas. Amounts are arbitrary-precision decimal strings.
func (d *TokenDecoder) balanceDeltas(signature string, tx *solana.ParsedTx, bt *time.Time) []Row {
	pre := make(map[int]solana.TokenBalance, len(tx.Meta.PreTokenBalances))
	for _, b := range tx.Meta.PreTokenBalances {
		pre[b.AccountIndex] = b
	}
	post := make(map[int]solana.TokenBalance, len(tx.Meta.PostTokenBalances))
	for _, b := range tx.Meta.PostTokenBalances {
		post[b.AccountIndex] = b
	}

	indices := make([]int, 0, len(pre)+len(post))
	seen := make(map[int]bool)
	for idx := range pre {
		indices = append(indices, idx)
		seen[idx] = true
	}
	for idx := range post {
		if !seen[idx] {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	var rows []Row
	for _, idx := range indices {
		pb, hasPre := pre[idx]
		qb, hasPost := post[idx]

		preAmt := parseAmount(pb.UITokenAmount.Amount, hasPre)
		postAmt := parseAmount(qb.UITokenAmount.Amount, hasPost)
		if preAmt == nil || postAmt == nil {
			d.Logger.Warn().Str("signature", signature).Int("account_index", idx).Msg("unparseable token balance amount")
			continue
		}
		delta := new(big.Int).Sub(postAmt, preAmt)
		if delta.Sign() == 0 {
			continue
		}

		row := BalanceDelta{
			Slot:         tx.Slot,
			BlockTime:    bt,
			TxSignature:  signature,
			AccountIndex: idx,
			Account:      tx.AccountAt(idx),
			PreAmount:    preAmt.String(),
			PostAmount:   postAmt.String(),
			Delta:        delta.String(),
		}
		if hasPost {
			row.Mint, row.Owner, row.Decimals = qb.Mint, qb.Owner, qb.UITokenAmount.Decimals
		} else {
			row.Mint, row.Owner, row.Decimals = pb.Mint, pb.Owner, pb.UITokenAmount.Decimals
		}
		rows = append(rows, row)
	}
	return rows
}

// parseAmount treats a missing side of the pre/post pair as zero.
func parseAmount(s string, present bool) *big.Int {
	if !present || s == "" {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

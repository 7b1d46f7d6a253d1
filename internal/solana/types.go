// Package solana is a thin JSON-RPC 2.0 client for the subset of the
// Solana RPC surface the indexer consumes: getSlot,
// getSignaturesForAddress and getParsedTransaction.
package solana

import "encoding/json"

// Commitment levels accepted by the RPC node.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureInfo is one entry of a getSignaturesForAddress page
// (newest-first order on the wire).
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

// ParsedTx is the jsonParsed form of a confirmed transaction.
type ParsedTx struct {
	Slot        uint64            `json:"slot"`
	BlockTime   *int64            `json:"blockTime"`
	Transaction ParsedTransaction `json:"transaction"`
	Meta        *TxMeta           `json:"meta"`
}

type ParsedTransaction struct {
	Signatures []string      `json:"signatures"`
	Message    ParsedMessage `json:"message"`
}

type ParsedMessage struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Instruction covers both forms the jsonParsed encoding produces: known
// programs arrive pre-parsed ({parsed:{type,info}}), everything else as
// base58 data plus a positional account list.
type Instruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId"`
	Accounts  []string        `json:"accounts,omitempty"`
	Data      string          `json:"data,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// ParsedInfo is the decoded {parsed:{type,info}} envelope.
type ParsedInfo struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// ParsedInstruction decodes the instruction's parsed envelope, if present.
func (i Instruction) ParsedInstruction() (*ParsedInfo, bool) {
	if len(i.Parsed) == 0 {
		return nil, false
	}
	var p ParsedInfo
	if err := json.Unmarshal(i.Parsed, &p); err != nil || p.Type == "" {
		return nil, false
	}
	return &p, true
}

// InnerInstructionSet groups the CPI instructions emitted by one
// top-level instruction.
type InnerInstructionSet struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

type TxMeta struct {
	Err               any                   `json:"err"`
	LogMessages       []string              `json:"logMessages"`
	InnerInstructions []InnerInstructionSet `json:"innerInstructions"`
	PreTokenBalances  []TokenBalance        `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance        `json:"postTokenBalances"`
}

// Failed reports whether the transaction errored on chain.
func (tx *ParsedTx) Failed() bool {
	return tx.Meta != nil && tx.Meta.Err != nil
}

// AccountAt resolves an account-keys index to its pubkey, or "".
func (tx *ParsedTx) AccountAt(index int) string {
	keys := tx.Transaction.Message.AccountKeys
	if index < 0 || index >= len(keys) {
		return ""
	}
	return keys[index].Pubkey
}

type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner,omitempty"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

// TokenAmount carries the raw integer amount as a string. Decimals is a
// pointer because some RPC providers omit it.
type TokenAmount struct {
	Amount   string `json:"amount"`
	Decimals *int   `json:"decimals,omitempty"`
}

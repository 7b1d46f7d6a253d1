// Package idl parses on-disk Solana IDL descriptors (Anchor, Shank and
// Codama dialects) into a single normalized ProgramDescriptor that the
// schema compiler and the decoders consume.
package idl

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIDL is wrapped by every parse failure caused by a malformed
// or incomplete IDL document.
var ErrInvalidIDL = errors.New("invalid IDL")

// Dialect identifies the on-disk IDL flavor.
type Dialect string

const (
	DialectAnchor Dialect = "anchor"
	DialectShank  Dialect = "shank"
	DialectCodama Dialect = "codama"
)

var (
	programNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	base58Re      = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// Kind classifies a wire type shape.
type Kind int

const (
	KindPrimitive Kind = iota
	KindOption
	KindVec
	KindArray
	KindDefined
)

// Wire describes the Borsh wire layout of a single field.
type Wire struct {
	Kind    Kind
	Prim    string // primitive tag when Kind == KindPrimitive
	Elem    *Wire  // element type for option/vec/array
	Len     int    // fixed length for array
	Defined string // referenced type name for KindDefined
	// Fields holds the resolved layout of a defined struct type.
	// Nil means the reference did not resolve; such values collapse
	// to JSONB and cannot be decoded field-by-field.
	Fields []Field
}

// Field is a normalized (snake_case) field with its wire layout and the
// relational column type it maps to.
type Field struct {
	Name     string
	Wire     Wire
	SQLType  string
	Nullable bool
}

// Event describes one Anchor event: an 8-byte discriminator followed by
// the Borsh serialization of Fields.
type Event struct {
	Name          string
	Discriminator [8]byte
	Fields        []Field
}

// Instruction describes one program instruction: a discriminator of
// declared width, a positional account list and a Borsh argument layout.
type Instruction struct {
	Name          string
	Discriminator []byte // 1, 2, 4 or 8 bytes
	Accounts      []string
	Args          []Field
}

// Account is a named program account type (kept for completeness; the
// indexer itself only decodes events and instructions).
type Account struct {
	Name   string
	Fields []Field
}

// ProgramDescriptor is the canonical, dialect-independent description of
// a program. Immutable after Parse.
type ProgramDescriptor struct {
	ProgramID    string
	ProgramName  string
	Dialect      Dialect
	Events       []Event
	Instructions []Instruction
	Accounts     []Account
}

// EventByDiscriminator returns the event whose discriminator matches the
// first 8 bytes of payload, or nil.
func (d *ProgramDescriptor) EventByDiscriminator(payload []byte) *Event {
	if len(payload) < 8 {
		return nil
	}
	for i := range d.Events {
		if string(d.Events[i].Discriminator[:]) == string(payload[:8]) {
			return &d.Events[i]
		}
	}
	return nil
}

// InstructionByData returns the instruction whose discriminator prefixes
// data, or nil.
func (d *ProgramDescriptor) InstructionByData(data []byte) *Instruction {
	for i := range d.Instructions {
		disc := d.Instructions[i].Discriminator
		if len(data) >= len(disc) && string(data[:len(disc)]) == string(disc) {
			return &d.Instructions[i]
		}
	}
	return nil
}

// Validate checks the descriptor invariants shared by all dialects.
func (d *ProgramDescriptor) Validate() error {
	var errs []error
	if !base58Re.MatchString(d.ProgramID) {
		errs = append(errs, fmt.Errorf("%w: program id %q is not base58[32,44]", ErrInvalidIDL, d.ProgramID))
	}
	if !programNameRe.MatchString(d.ProgramName) {
		errs = append(errs, fmt.Errorf("%w: program name %q", ErrInvalidIDL, d.ProgramName))
	}
	for _, ix := range d.Instructions {
		switch len(ix.Discriminator) {
		case 1, 2, 4, 8:
		default:
			errs = append(errs, fmt.Errorf("%w: instruction %q discriminator width %d", ErrInvalidIDL, ix.Name, len(ix.Discriminator)))
		}
	}
	return errors.Join(errs...)
}

// EventDiscriminator derives the Anchor event discriminator:
// sha256("event:" + Name)[0..8]. Name is the IDL-declared (PascalCase) name.
func EventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// InstructionDiscriminator derives the Anchor global instruction
// discriminator: sha256("global:" + snake_case(name))[0..8].
func InstructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + SnakeCase(name)))
	out := make([]byte, 8)
	copy(out, sum[:8])
	return out
}

// SQL type mapping for primitive wire tags. Everything not listed here
// stores as JSONB.
var primSQL = map[string]string{
	"u8": "INTEGER", "u16": "INTEGER", "u32": "INTEGER",
	"i8": "INTEGER", "i16": "INTEGER", "i32": "INTEGER",
	"u64": "BIGINT", "i64": "BIGINT",
	"u128": "NUMERIC(39,0)", "i128": "NUMERIC(39,0)",
	"f32": "DOUBLE PRECISION", "f64": "DOUBLE PRECISION",
	"bool":   "BOOLEAN",
	"string": "TEXT", "pubkey": "TEXT", "publicKey": "TEXT",
	"bytes": "BYTEA",
}

// sqlTypeFor resolves the column type and nullability for a wire layout.
// option<T> keeps T's column type and flips nullable; containers and
// defined types land in JSONB.
func sqlTypeFor(w Wire) (string, bool) {
	switch w.Kind {
	case KindPrimitive:
		if t, ok := primSQL[w.Prim]; ok {
			return t, false
		}
		return "JSONB", false
	case KindOption:
		t, _ := sqlTypeFor(*w.Elem)
		return t, true
	default:
		return "JSONB", false
	}
}

package idl

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Raw document model shared by all three dialects. Fields a dialect does
// not use simply stay zero.

type rawIDL struct {
	Address      string           `json:"address"`
	Name         string           `json:"name"`
	Metadata     *rawMetadata     `json:"metadata"`
	Instructions []rawInstruction `json:"instructions"`
	Events       []rawEvent       `json:"events"`
	Accounts     []rawNamed       `json:"accounts"`
	Types        []rawTypeDef     `json:"types"`
}

type rawMetadata struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Origin  string `json:"origin"`
}

type rawInstruction struct {
	Name          string           `json:"name"`
	Discriminator []int            `json:"discriminator"`
	Discriminant  *rawDiscriminant `json:"discriminant"`
	Accounts      []rawAccountItem `json:"accounts"`
	Args          []rawField       `json:"args"`
}

type rawDiscriminant struct {
	Type  string `json:"type"`
	Value uint64 `json:"value"`
}

// rawAccountItem is either a leaf account or a nested group carrying its
// own accounts list (Anchor composite accounts).
type rawAccountItem struct {
	Name     string           `json:"name"`
	Accounts []rawAccountItem `json:"accounts"`
}

type rawField struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type rawEvent struct {
	Name          string     `json:"name"`
	Discriminator []int      `json:"discriminator"`
	Fields        []rawField `json:"fields"`
}

type rawNamed struct {
	Name string `json:"name"`
}

type rawTypeDef struct {
	Name string `json:"name"`
	Type struct {
		Kind   string     `json:"kind"`
		Fields []rawField `json:"fields"`
	} `json:"type"`
}

// Parse normalizes a raw IDL document into a ProgramDescriptor. When
// programID is non-empty it overrides the document's own address (the
// control plane registers programs under an explicit id). Failures wrap
// ErrInvalidIDL.
func Parse(raw []byte, programID string) (*ProgramDescriptor, error) {
	dialect, err := Detect(raw)
	if err != nil {
		return nil, err
	}

	var doc rawIDL
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDL, err)
	}

	name := doc.Name
	if doc.Metadata != nil && doc.Metadata.Name != "" {
		name = doc.Metadata.Name
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing program name", ErrInvalidIDL)
	}

	if programID == "" {
		programID = doc.Address
		if programID == "" && doc.Metadata != nil {
			programID = doc.Metadata.Address
		}
	}

	// First pass: collect named struct layouts so defined<T> references
	// can be expanded. Cyclic or non-struct references stay unresolved
	// and collapse to JSONB.
	typeDefs := make(map[string][]rawField, len(doc.Types))
	for _, td := range doc.Types {
		if td.Type.Kind == "" || td.Type.Kind == "struct" {
			typeDefs[td.Name] = td.Type.Fields
		}
	}

	r := &resolver{types: typeDefs}

	desc := &ProgramDescriptor{
		ProgramID:   programID,
		ProgramName: SnakeCase(name),
		Dialect:     dialect,
	}

	for _, ev := range doc.Events {
		e, err := normalizeEvent(ev, typeDefs, r)
		if err != nil {
			return nil, err
		}
		desc.Events = append(desc.Events, e)
	}

	for i, ix := range doc.Instructions {
		n, err := normalizeInstruction(ix, i, dialect, r)
		if err != nil {
			return nil, err
		}
		desc.Instructions = append(desc.Instructions, n)
	}

	for _, acc := range doc.Accounts {
		a := Account{Name: SnakeCase(acc.Name)}
		if fields, ok := typeDefs[acc.Name]; ok {
			a.Fields, err = r.fields(fields)
			if err != nil {
				return nil, err
			}
		}
		desc.Accounts = append(desc.Accounts, a)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

func normalizeEvent(ev rawEvent, typeDefs map[string][]rawField, r *resolver) (Event, error) {
	if ev.Name == "" {
		return Event{}, fmt.Errorf("%w: event with empty name", ErrInvalidIDL)
	}

	// Anchor may declare the event's fields in the top-level types map
	// keyed by the event name.
	fields := ev.Fields
	if len(fields) == 0 {
		fields = typeDefs[ev.Name]
	}
	normalized, err := r.fields(fields)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", ev.Name, err)
	}

	e := Event{Name: SnakeCase(ev.Name), Fields: normalized}
	switch {
	case len(ev.Discriminator) == 8:
		for i, b := range ev.Discriminator {
			if b < 0 || b > 255 {
				return Event{}, fmt.Errorf("%w: event %s discriminator byte %d out of range", ErrInvalidIDL, ev.Name, b)
			}
			e.Discriminator[i] = byte(b)
		}
	case len(ev.Discriminator) == 0:
		e.Discriminator = EventDiscriminator(ev.Name)
	default:
		return Event{}, fmt.Errorf("%w: event %s discriminator must be exactly 8 bytes, got %d", ErrInvalidIDL, ev.Name, len(ev.Discriminator))
	}
	return e, nil
}

func normalizeInstruction(ix rawInstruction, index int, dialect Dialect, r *resolver) (Instruction, error) {
	if ix.Name == "" {
		return Instruction{}, fmt.Errorf("%w: instruction %d with empty name", ErrInvalidIDL, index)
	}

	n := Instruction{Name: SnakeCase(ix.Name)}

	switch {
	case len(ix.Discriminator) > 0:
		n.Discriminator = make([]byte, len(ix.Discriminator))
		for i, b := range ix.Discriminator {
			if b < 0 || b > 255 {
				return Instruction{}, fmt.Errorf("%w: instruction %s discriminator byte %d out of range", ErrInvalidIDL, ix.Name, b)
			}
			n.Discriminator[i] = byte(b)
		}
	case ix.Discriminant != nil:
		d, err := encodeDiscriminant(ix.Discriminant)
		if err != nil {
			return Instruction{}, fmt.Errorf("instruction %s: %w", ix.Name, err)
		}
		n.Discriminator = d
	case dialect == DialectAnchor:
		n.Discriminator = InstructionDiscriminator(ix.Name)
	default:
		// Shank/Codama variant tag defaults to the declaration index as u8.
		if index > 255 {
			return Instruction{}, fmt.Errorf("%w: instruction %s has no discriminant and index %d exceeds u8", ErrInvalidIDL, ix.Name, index)
		}
		n.Discriminator = []byte{byte(index)}
	}

	n.Accounts = flattenAccounts(ix.Accounts, nil)

	args, err := r.fields(ix.Args)
	if err != nil {
		return Instruction{}, fmt.Errorf("instruction %s: %w", ix.Name, err)
	}
	n.Args = args
	return n, nil
}

// encodeDiscriminant writes the declared variant tag little-endian at its
// declared byte width. Widths other than 1/2/4 are rejected.
func encodeDiscriminant(d *rawDiscriminant) ([]byte, error) {
	switch d.Type {
	case "u8":
		if d.Value > 0xff {
			return nil, fmt.Errorf("%w: discriminant %d overflows u8", ErrInvalidIDL, d.Value)
		}
		return []byte{byte(d.Value)}, nil
	case "u16":
		if d.Value > 0xffff {
			return nil, fmt.Errorf("%w: discriminant %d overflows u16", ErrInvalidIDL, d.Value)
		}
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(d.Value))
		return out, nil
	case "u32":
		if d.Value > 0xffffffff {
			return nil, fmt.Errorf("%w: discriminant %d overflows u32", ErrInvalidIDL, d.Value)
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(d.Value))
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported discriminant width %q", ErrInvalidIDL, d.Type)
	}
}

// flattenAccounts expands nested Anchor account groups depth-first into a
// positional name list, prefixing group members with the group name.
func flattenAccounts(items []rawAccountItem, prefix []string) []string {
	var out []string
	for _, it := range items {
		name := SnakeCase(it.Name)
		if len(it.Accounts) > 0 {
			out = append(out, flattenAccounts(it.Accounts, append(prefix, name))...)
			continue
		}
		full := name
		for i := len(prefix) - 1; i >= 0; i-- {
			full = prefix[i] + "_" + full
		}
		out = append(out, full)
	}
	return out
}

// resolver expands wire types, following defined<T> references through
// the document's types map with cycle protection.
type resolver struct {
	types map[string][]rawField
}

func (r *resolver) fields(raw []rawField) ([]Field, error) {
	out := make([]Field, 0, len(raw))
	for _, f := range raw {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field with empty name", ErrInvalidIDL)
		}
		w, err := r.wire(f.Type, map[string]bool{})
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		sqlType, nullable := sqlTypeFor(w)
		out = append(out, Field{
			Name:     SnakeCase(f.Name),
			Wire:     w,
			SQLType:  sqlType,
			Nullable: nullable,
		})
	}
	return out, nil
}

func (r *resolver) wire(raw json.RawMessage, seen map[string]bool) (Wire, error) {
	if len(raw) == 0 {
		return Wire{}, fmt.Errorf("%w: missing type", ErrInvalidIDL)
	}

	var prim string
	if err := json.Unmarshal(raw, &prim); err == nil {
		if prim == "publicKey" {
			prim = "pubkey"
		}
		return Wire{Kind: KindPrimitive, Prim: prim}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Wire{}, fmt.Errorf("%w: unparseable type %s", ErrInvalidIDL, string(raw))
	}

	if inner, ok := obj["option"]; ok {
		elem, err := r.wire(inner, seen)
		if err != nil {
			return Wire{}, err
		}
		return Wire{Kind: KindOption, Elem: &elem}, nil
	}
	if inner, ok := obj["vec"]; ok {
		elem, err := r.wire(inner, seen)
		if err != nil {
			return Wire{}, err
		}
		return Wire{Kind: KindVec, Elem: &elem}, nil
	}
	if arr, ok := obj["array"]; ok {
		var parts []json.RawMessage
		if err := json.Unmarshal(arr, &parts); err != nil || len(parts) != 2 {
			return Wire{}, fmt.Errorf("%w: malformed array type %s", ErrInvalidIDL, string(arr))
		}
		elem, err := r.wire(parts[0], seen)
		if err != nil {
			return Wire{}, err
		}
		var n int
		if err := json.Unmarshal(parts[1], &n); err != nil || n < 0 {
			return Wire{}, fmt.Errorf("%w: malformed array length %s", ErrInvalidIDL, string(parts[1]))
		}
		return Wire{Kind: KindArray, Elem: &elem, Len: n}, nil
	}
	if ref, ok := obj["defined"]; ok {
		name, err := definedName(ref)
		if err != nil {
			return Wire{}, err
		}
		w := Wire{Kind: KindDefined, Defined: name}
		if fields, ok := r.types[name]; ok && !seen[name] {
			seen[name] = true
			resolved, err := r.resolveFields(fields, seen)
			delete(seen, name)
			if err != nil {
				return Wire{}, err
			}
			w.Fields = resolved
		}
		return w, nil
	}

	return Wire{}, fmt.Errorf("%w: unknown type %s", ErrInvalidIDL, string(raw))
}

func (r *resolver) resolveFields(raw []rawField, seen map[string]bool) ([]Field, error) {
	out := make([]Field, 0, len(raw))
	for _, f := range raw {
		w, err := r.wire(f.Type, seen)
		if err != nil {
			return nil, err
		}
		sqlType, nullable := sqlTypeFor(w)
		out = append(out, Field{Name: SnakeCase(f.Name), Wire: w, SQLType: sqlType, Nullable: nullable})
	}
	return out, nil
}

// definedName accepts both the legacy string form {"defined": "T"} and
// the new object form {"defined": {"name": "T"}}.
func definedName(ref json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(ref, &s); err == nil {
		return s, nil
	}
	var obj rawNamed
	if err := json.Unmarshal(ref, &obj); err == nil && obj.Name != "" {
		return obj.Name, nil
	}
	return "", fmt.Errorf("%w: malformed defined reference %s", ErrInvalidIDL, string(ref))
}

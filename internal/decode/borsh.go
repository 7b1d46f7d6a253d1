package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/mr-tron/base58"

	"github.com/uholabs/uho/internal/idl"
)

// ErrLayoutDrift marks a payload that does not fit the descriptor's
// declared layout (short buffer, trailing bytes, unresolved defined
// type). Callers skip the row and bump a counter rather than fail.
var ErrLayoutDrift = errors.New("layout does not fit payload")

const maxCollectionLen = 1 << 20 // sanity bound on borsh length prefixes

type borshReader struct {
	buf []byte
	off int
}

func (r *borshReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrLayoutDrift, n, r.off, len(r.buf))
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *borshReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// decodeFields decodes payload against the declared field layout. The
// whole payload must be consumed; trailing bytes mean drift.
func decodeFields(fields []idl.Field, payload []byte) (map[string]any, error) {
	r := &borshReader{buf: payload}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, err := r.value(f.Wire)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLayoutDrift, len(r.buf)-r.off)
	}
	return out, nil
}

func (r *borshReader) value(w idl.Wire) (any, error) {
	switch w.Kind {
	case idl.KindPrimitive:
		return r.primitive(w.Prim)

	case idl.KindOption:
		flag, err := r.take(1)
		if err != nil {
			return nil, err
		}
		switch flag[0] {
		case 0:
			return nil, nil
		case 1:
			return r.value(*w.Elem)
		default:
			return nil, fmt.Errorf("%w: option flag %d", ErrLayoutDrift, flag[0])
		}

	case idl.KindVec:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > maxCollectionLen {
			return nil, fmt.Errorf("%w: vec length %d", ErrLayoutDrift, n)
		}
		return r.elems(*w.Elem, int(n))

	case idl.KindArray:
		return r.elems(*w.Elem, w.Len)

	case idl.KindDefined:
		if w.Fields == nil {
			return nil, fmt.Errorf("%w: unresolved type %q", ErrLayoutDrift, w.Defined)
		}
		out := make(map[string]any, len(w.Fields))
		for _, f := range w.Fields {
			v, err := r.value(f.Wire)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", w.Defined, f.Name, err)
			}
			out[f.Name] = v
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown wire kind %d", ErrLayoutDrift, w.Kind)
	}
}

func (r *borshReader) elems(elem idl.Wire, n int) ([]any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.value(elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// primitive decodes one little-endian primitive. 128-bit integers come
// back as decimal strings so they survive JSON and NUMERIC binding
// without precision loss; bytes and pubkeys come back printable.
func (r *borshReader) primitive(tag string) (any, error) {
	switch tag {
	case "u8":
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return int64(b[0]), nil
	case "i8":
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return int64(int8(b[0])), nil
	case "u16":
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint16(b)), nil
	case "i16":
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case "u32":
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint32(b)), nil
	case "i32":
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case "u64":
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case "i64":
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case "u128":
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		return u128String(b, false), nil
	case "i128":
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		return u128String(b, true), nil
	case "f32":
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case "f64":
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case "bool":
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, fmt.Errorf("%w: bool byte %d", ErrLayoutDrift, b[0])
		}
	case "string":
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > maxCollectionLen {
			return nil, fmt.Errorf("%w: string length %d", ErrLayoutDrift, n)
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case "pubkey", "publicKey":
		b, err := r.take(32)
		if err != nil {
			return nil, err
		}
		return base58.Encode(b), nil
	case "bytes":
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > maxCollectionLen {
			return nil, fmt.Errorf("%w: bytes length %d", ErrLayoutDrift, n)
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown primitive %q", ErrLayoutDrift, tag)
	}
}

// u128String renders 16 little-endian bytes as a decimal string,
// two's-complement when signed.
func u128String(le []byte, signed bool) string {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = le[15-i]
	}
	v := new(big.Int).SetBytes(be)
	if signed && be[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v.String()
}

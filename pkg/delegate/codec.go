package delegate

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/holiman/uint256"
)

// DecodeError describes where and why a payload failed to decode.
// It always matches relayErrors.ErrMalformedEnvelope.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", relayErrors.ErrMalformedEnvelope, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return relayErrors.ErrMalformedEnvelope
}

// encoder writes the fixed little-endian layout. It never fails.
type encoder struct {
	buf []byte
}

func newEncoder(sizeHint int) *encoder {
	return &encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *encoder) bytes() []byte {
	return e.buf
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// u128 writes the low 128 bits; Validate rejects wider values before encoding.
func (e *encoder) u128(v *uint256.Int) {
	e.u64(v[0])
	e.u64(v[1])
}

func (e *encoder) fixed(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.fixed(b)
}

func (e *encoder) str(s string) {
	e.blob([]byte(s))
}

func (e *encoder) publicKey(pk keys.PublicKey) {
	e.u8(uint8(pk.Type))
	e.fixed(pk.Data)
}

func (e *encoder) signature(sig keys.Signature) {
	e.u8(uint8(sig.Type))
	e.fixed(sig.Data)
}

// decoder reads the same layout strictly. The first failure is sticky and every
// later read becomes a no-op, so callers check err once at the end.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = &DecodeError{Offset: d.pos, Reason: fmt.Sprintf(format, args...)}
	}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.remaining() < n {
		d.fail("truncated %s: need %d bytes, have %d", what, n, d.remaining())
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8(what string) uint8 {
	b := d.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32(what string) uint32 {
	b := d.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64(what string) uint64 {
	b := d.take(8, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) u128(what string) uint256.Int {
	var v uint256.Int
	lo := d.u64(what)
	hi := d.u64(what)
	v[0], v[1] = lo, hi
	return v
}

// length reads a u32 count and rejects counts that cannot fit in the rest of the
// payload given the minimum encoded size of one element.
func (d *decoder) length(what string, minElemSize int) int {
	n := d.u32(what + " length")
	if d.err != nil {
		return 0
	}
	if minElemSize > 0 && uint64(n)*uint64(minElemSize) > uint64(d.remaining()) {
		d.fail("%s length %d exceeds remaining %d bytes", what, n, d.remaining())
		return 0
	}
	return int(n)
}

// blob returns nil for an empty byte sequence.
func (d *decoder) blob(what string) []byte {
	n := d.length(what, 1)
	if d.err != nil || n == 0 {
		return nil
	}
	b := d.take(n, what)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) str(what string) string {
	b := d.blob(what)
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail("%s is not valid UTF-8", what)
		return ""
	}
	return string(b)
}

func (d *decoder) publicKey(what string) keys.PublicKey {
	keyType := keys.KeyType(d.u8(what + " key type"))
	if d.err != nil {
		return keys.PublicKey{}
	}
	size := keyType.PublicKeyLength()
	if size == 0 {
		d.fail("unknown %s key type %d", what, uint8(keyType))
		return keys.PublicKey{}
	}
	b := d.take(size, what)
	if b == nil {
		return keys.PublicKey{}
	}
	data := make([]byte, size)
	copy(data, b)
	return keys.PublicKey{Type: keyType, Data: data}
}

func (d *decoder) signature(what string) keys.Signature {
	keyType := keys.KeyType(d.u8(what + " key type"))
	if d.err != nil {
		return keys.Signature{}
	}
	size := keyType.SignatureLength()
	if size == 0 {
		d.fail("unknown %s key type %d", what, uint8(keyType))
		return keys.Signature{}
	}
	b := d.take(size, what)
	if b == nil {
		return keys.Signature{}
	}
	data := make([]byte, size)
	copy(data, b)
	return keys.Signature{Type: keyType, Data: data}
}

// finish enforces that the whole payload was consumed.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		d.fail("%d unexpected trailing bytes", d.remaining())
	}
	return d.err
}

package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sort"
	"time"
)

// Version is the current frame version written by Marshal.
const Version uint8 = 1

const (
	magic0     = 'F'
	magic1     = 'Q'
	headerSize = 2 + 1 + 1 + 4 // magic | version | flags | bodyLen
	trailerLen = 4
	fixedBody  = 16 + 4 + 8 + 8 + 2
)

var (
	// ErrMalformedEnvelope is returned when a frame is structurally invalid.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnsupportedVersion is returned for frames written by an unknown codec version.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encode frames a new envelope for payload and attrs, assigning a fresh id
// and enqueue time.
func Encode(payload []byte, attrs map[string]string) ([]byte, error) {
	return Marshal(New(payload, attrs, time.Now()))
}

// Marshal frames e. Attributes are written in key order so equal envelopes
// encode to equal bytes.
func Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if len(e.Attributes) > math.MaxUint16 {
		return nil, fmt.Errorf("envelope: too many attributes (%d)", len(e.Attributes))
	}
	if len(e.LastError) > math.MaxUint16 {
		e = e.Clone()
		e.LastError = e.LastError[:math.MaxUint16]
	}

	keys := make([]string, 0, len(e.Attributes))
	size := fixedBody + 2 + len(e.LastError) + 4 + len(e.Payload)
	for k, v := range e.Attributes {
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("envelope: attribute key too long (%d bytes)", len(k))
		}
		keys = append(keys, k)
		size += 2 + len(k) + 4 + len(v)
	}
	sort.Strings(keys)

	out := make([]byte, headerSize, headerSize+size+trailerLen)
	out[0], out[1] = magic0, magic1
	out[2] = Version
	out[3] = 0
	binary.BigEndian.PutUint32(out[4:8], uint32(size))

	out = append(out, e.ID[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(e.AttemptCount))
	out = binary.BigEndian.AppendUint64(out, uint64(toMs(e.EnqueuedAt)))
	out = binary.BigEndian.AppendUint64(out, uint64(toMs(e.AvailableAt)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(keys)))
	for _, k := range keys {
		v := e.Attributes[k]
		out = binary.BigEndian.AppendUint16(out, uint16(len(k)))
		out = append(out, k...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(v)))
		out = append(out, v...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(e.LastError)))
	out = append(out, e.LastError...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Payload)))
	out = append(out, e.Payload...)

	out = binary.BigEndian.AppendUint32(out, crc32.Checksum(out[headerSize:], castagnoli))
	return out, nil
}

// Decode parses a frame produced by Marshal. It never reads the clock.
func Decode(b []byte) (*Envelope, error) {
	if len(b) < headerSize+trailerLen {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedEnvelope, len(b))
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}
	if b[2] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[2])
	}
	bodyLen := int(binary.BigEndian.Uint32(b[4:8]))
	if headerSize+bodyLen+trailerLen != len(b) {
		return nil, fmt.Errorf("%w: declared body length %d, frame carries %d",
			ErrMalformedEnvelope, bodyLen, len(b)-headerSize-trailerLen)
	}
	body := b[headerSize : headerSize+bodyLen]
	want := binary.BigEndian.Uint32(b[headerSize+bodyLen:])
	if crc32.Checksum(body, castagnoli) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedEnvelope)
	}

	r := reader{buf: body}
	var e Envelope
	idBytes := r.next(16)
	e.AttemptCount = int(r.u32())
	e.EnqueuedAt = fromMs(int64(r.u64()))
	e.AvailableAt = fromMs(int64(r.u64()))
	n := int(r.u16())
	if n > 0 {
		e.Attributes = make(map[string]string, n)
	} else {
		e.Attributes = map[string]string{}
	}
	for i := 0; i < n && r.err == nil; i++ {
		k := string(r.next(int(r.u16())))
		v := string(r.next(int(r.u32())))
		if k == "" && r.err == nil {
			r.err = fmt.Errorf("empty attribute key")
		}
		e.Attributes[k] = v
	}
	e.LastError = string(r.next(int(r.u16())))
	e.Payload = append([]byte(nil), r.next(int(r.u32()))...)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, r.err)
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, len(body)-r.off)
	}
	copy(e.ID[:], idBytes)
	if e.ID.IsZero() {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	return &e, nil
}

// IsCodecError reports whether err came from Decode.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrUnsupportedVersion)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("field of %d bytes overruns body at offset %d", n, r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

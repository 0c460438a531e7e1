package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/adminsync/internal/protocol"
)

const (
	Magic   uint16 = 0xAD5C
	Version uint8  = 1

	// HeaderLen: magic u16, version u8, origin u64, target u64,
	// correlation u32, seq u16, total u16, checksum u64.
	HeaderLen = 35
)

var (
	ErrShortHeader        = errors.New("frame: short unit header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrSeqOutOfRange      = errors.New("frame: sequence out of range")
	ErrUnitTooSmall       = errors.New("frame: max unit size leaves no room for data")
	ErrTooManyUnits       = errors.New("frame: payload needs more units than a header can count")
	ErrEmptyPayload       = errors.New("frame: empty payload")
)

// Header is the fixed per-unit header.
type Header struct {
	Origin      protocol.PlayerID
	Target      protocol.PlayerID
	Correlation uint32
	Seq         uint16 // 1-based
	Total       uint16
	Checksum    uint64 // xxhash64 of the whole reassembled payload
}

// Unit is one transport-native chunk of an envelope.
type Unit struct {
	Header Header
	Data   []byte
}

// Limits constrains unit sizing.
type Limits struct {
	MaxUnitSize int
}

func DefaultLimits() Limits {
	return Limits{MaxUnitSize: 256}
}

// Capacity is the number of payload bytes one unit can carry.
func (l Limits) Capacity() int {
	return l.MaxUnitSize - HeaderLen
}

func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Split cuts payload into ordered units sharing origin, target, and
// correlation. A payload that fits in one unit yields Total=1.
func Split(payload []byte, origin, target protocol.PlayerID, correlation uint32, limits Limits) ([]Unit, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	capacity := limits.Capacity()
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: max=%d header=%d", ErrUnitTooSmall, limits.MaxUnitSize, HeaderLen)
	}
	count := (len(payload) + capacity - 1) / capacity
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyUnits, count)
	}

	sum := Checksum(payload)
	units := make([]Unit, 0, count)
	for i := 0; i < count; i++ {
		start := i * capacity
		end := min(start+capacity, len(payload))
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		units = append(units, Unit{
			Header: Header{
				Origin:      origin,
				Target:      target,
				Correlation: correlation,
				Seq:         uint16(i + 1),
				Total:       uint16(count),
				Checksum:    sum,
			},
			Data: data,
		})
	}
	return units, nil
}

func EncodeUnit(u Unit) []byte {
	buf := make([]byte, HeaderLen+len(u.Data))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	binary.BigEndian.PutUint64(buf[3:11], uint64(u.Header.Origin))
	binary.BigEndian.PutUint64(buf[11:19], uint64(u.Header.Target))
	binary.BigEndian.PutUint32(buf[19:23], u.Header.Correlation)
	binary.BigEndian.PutUint16(buf[23:25], u.Header.Seq)
	binary.BigEndian.PutUint16(buf[25:27], u.Header.Total)
	binary.BigEndian.PutUint64(buf[27:35], u.Header.Checksum)
	copy(buf[HeaderLen:], u.Data)
	return buf
}

func DecodeUnit(b []byte) (Unit, error) {
	if len(b) < HeaderLen {
		return Unit{}, ErrShortHeader
	}
	if m := binary.BigEndian.Uint16(b[0:2]); m != Magic {
		return Unit{}, fmt.Errorf("%w: 0x%04x", ErrInvalidMagic, m)
	}
	if b[2] != Version {
		return Unit{}, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, b[2], Version)
	}
	h := Header{
		Origin:      protocol.PlayerID(binary.BigEndian.Uint64(b[3:11])),
		Target:      protocol.PlayerID(binary.BigEndian.Uint64(b[11:19])),
		Correlation: binary.BigEndian.Uint32(b[19:23]),
		Seq:         binary.BigEndian.Uint16(b[23:25]),
		Total:       binary.BigEndian.Uint16(b[25:27]),
		Checksum:    binary.BigEndian.Uint64(b[27:35]),
	}
	if h.Total == 0 || h.Seq == 0 || h.Seq > h.Total {
		return Unit{}, fmt.Errorf("%w: seq=%d total=%d", ErrSeqOutOfRange, h.Seq, h.Total)
	}
	data := make([]byte, len(b)-HeaderLen)
	copy(data, b[HeaderLen:])
	return Unit{Header: h, Data: data}, nil
}

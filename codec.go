package vbucket

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame format (24-byte header, big-endian multi-byte fields):
//
//	Byte/     0       |       1       |       2       |       3       |
//	  +---------------+---------------+---------------+---------------+
//	 0| Magic         | Opcode        | Key length                    |
//	  +---------------+---------------+---------------+---------------+
//	 4| Extras length | Data type     | vbucket id / status           |
//	  +---------------+---------------+---------------+---------------+
//	 8| Total body length                                             |
//	  +---------------+---------------+---------------+---------------+
//	12| Opaque                                                        |
//	  +---------------+---------------+---------------+---------------+
//	16| CAS                                                           |
//	  +---------------+---------------+---------------+---------------+
//	24| Extras (extra_len bytes)                                     ...
//	  | Key (key_len bytes)                                          ...
//	  | Value (remaining bytes)                                      ...
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81

	maxKeyLen   = 65535
	maxExtraLen = 255
)

// Frame is a single request/response packet. StatusOrVBucket holds the
// vbucket id on a request and the status code on a response; the two
// share the same wire position.
type Frame struct {
	Magic           byte
	Opcode          Opcode
	DataType        byte
	StatusOrVBucket uint16
	Opaque          uint32
	CAS             uint64

	Extras []byte
	Key    []byte
	Value  []byte
}

// VBucketID returns the routed vbucket index set on a request frame.
func (f *Frame) VBucketID() uint16 { return f.StatusOrVBucket }

// SetVBucketID sets the routed vbucket index on a request frame.
func (f *Frame) SetVBucketID(id uint16) { f.StatusOrVBucket = id }

// Status returns the response status code on a response frame.
func (f *Frame) Status() Status { return Status(f.StatusOrVBucket) }

// Encode writes a frame's wire bytes. key_len, extra_len and total_len
// are recomputed from the actual payload lengths, never taken from a
// stale field.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Key) > maxKeyLen {
		return nil, errors.Wrapf(ErrInvalidKey, "key_len %d exceeds %d", len(f.Key), maxKeyLen)
	}
	if len(f.Extras) > maxExtraLen {
		return nil, errors.Wrapf(ErrInvalidExtras, "extra_len %d exceeds %d", len(f.Extras), maxExtraLen)
	}

	keyLen := uint16(len(f.Key))
	extraLen := uint8(len(f.Extras))
	valueLen := uint32(len(f.Value))
	totalLen := uint32(extraLen) + uint32(keyLen) + valueLen

	magic := f.Magic
	if magic == 0 {
		magic = MagicRequest
	}

	buf := make([]byte, 24+totalLen)
	buf[0] = magic
	buf[1] = byte(f.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], keyLen)
	buf[4] = extraLen
	buf[5] = f.DataType
	binary.BigEndian.PutUint16(buf[6:8], f.StatusOrVBucket)
	binary.BigEndian.PutUint32(buf[8:12], totalLen)
	binary.BigEndian.PutUint32(buf[12:16], f.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], f.CAS)

	off := 24
	if extraLen > 0 {
		copy(buf[off:], f.Extras)
		off += int(extraLen)
	}
	if keyLen > 0 {
		copy(buf[off:], f.Key)
		off += int(keyLen)
	}
	if valueLen > 0 {
		copy(buf[off:], f.Value)
	}

	return buf, nil
}

// Decode reads exactly one frame from r: 24 header bytes, then
// extra_len, key_len and the remaining value bytes in that order.
// It fails with ErrShortRead if any sub-read returns fewer bytes than
// the header promised.
func Decode(r io.Reader) (*Frame, error) {
	header := make([]byte, 24)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(ErrShortRead, "header: "+err.Error())
	}

	magic := header[0]
	if magic != MagicRequest && magic != MagicResponse {
		return nil, errors.Wrapf(ErrShortRead, "invalid magic %#x", magic)
	}

	f := &Frame{
		Magic:           magic,
		Opcode:          Opcode(header[1]),
		DataType:        header[5],
		StatusOrVBucket: binary.BigEndian.Uint16(header[6:8]),
		Opaque:          binary.BigEndian.Uint32(header[12:16]),
		CAS:             binary.BigEndian.Uint64(header[16:24]),
	}

	keyLen := binary.BigEndian.Uint16(header[2:4])
	extraLen := header[4]
	totalLen := binary.BigEndian.Uint32(header[8:12])

	if extraLen > 0 {
		f.Extras = make([]byte, extraLen)
		if _, err := io.ReadFull(r, f.Extras); err != nil {
			return nil, errors.Wrap(ErrShortRead, "extras: "+err.Error())
		}
	}
	if keyLen > 0 {
		f.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(r, f.Key); err != nil {
			return nil, errors.Wrap(ErrShortRead, "key: "+err.Error())
		}
	}

	if totalLen < uint32(extraLen)+uint32(keyLen) {
		return nil, errors.Wrapf(ErrShortRead, "total_len %d smaller than extras+key %d", totalLen, uint32(extraLen)+uint32(keyLen))
	}
	valueLen := totalLen - uint32(extraLen) - uint32(keyLen)
	if valueLen > 0 {
		f.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, f.Value); err != nil {
			return nil, errors.Wrap(ErrShortRead, "value: "+err.Error())
		}
	}

	return f, nil
}

// FlagSignals carries the derived signals the codec extracts from a
// response's extras/value per the flags convention: bit 0x0002 marks
// gzip compression, flags == 0x0100 marks a boolean, and anything in
// (0x0100, 0x0600) marks an unsigned integer encoded as big-endian
// value bytes.
type FlagSignals struct {
	Compressed bool
	IsBool     bool
	BoolValue  bool
	IsUint     bool
	UintValue  uint64
}

// InterpretFlags derives FlagSignals from a response's extras and
// value. It never mutates its arguments and never errors: unexpected
// flags simply leave the value as raw bytes.
func InterpretFlags(extras, value []byte) FlagSignals {
	var sig FlagSignals
	if len(extras) < 4 {
		return sig
	}

	flags := binary.BigEndian.Uint32(extras[:4])
	if flags&0x0002 != 0 {
		sig.Compressed = true
	}

	switch {
	case flags == 0x0100:
		sig.IsBool = true
		sig.BoolValue = len(value) > 0 && value[0] == 0x31
	case flags > 0x0100 && flags < 0x0600:
		sig.IsUint = true
		var v uint64
		for _, b := range value {
			v = v<<8 | uint64(b)
		}
		sig.UintValue = v
	}

	return sig
}

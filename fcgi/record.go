// Package fcgi implements the client side of the FastCGI binary record
// protocol: record framing, the length-prefixed name/value encoding for
// params streams, and the responder exchange state machine.
//
// See https://fastcgi-archives.github.io/FastCGI_Specification.html
package fcgi

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Version is the only protocol version defined by the FastCGI spec.
const Version uint8 = 1

// RecType identifies the kind of payload a record carries.
type RecType uint8

const (
	TypeBeginRequest RecType = iota + 1
	TypeAbortRequest
	TypeEndRequest
	TypeParams
	TypeStdin
	TypeStdout
	TypeStderr
	TypeData
	TypeGetValues
	TypeGetValuesResult
	TypeUnknownType
)

var recTypeNames = map[RecType]string{
	TypeBeginRequest:    "FCGI_BEGIN_REQUEST",
	TypeAbortRequest:    "FCGI_ABORT_REQUEST",
	TypeEndRequest:      "FCGI_END_REQUEST",
	TypeParams:          "FCGI_PARAMS",
	TypeStdin:           "FCGI_STDIN",
	TypeStdout:          "FCGI_STDOUT",
	TypeStderr:          "FCGI_STDERR",
	TypeData:            "FCGI_DATA",
	TypeGetValues:       "FCGI_GET_VALUES",
	TypeGetValuesResult: "FCGI_GET_VALUES_RESULT",
	TypeUnknownType:     "FCGI_UNKNOWN_TYPE",
}

func (t RecType) String() string {
	if s, ok := recTypeNames[t]; ok {
		return s
	}
	return "FCGI_UNKNOWN"
}

// Roles a begin-request record can ask for. Only the responder role is used
// here; it means "produce a full HTTP response".
const (
	RoleResponder uint16 = iota + 1
	RoleAuthorizer
	RoleFilter
)

// Protocol status values carried in an end-request body.
const (
	StatusRequestComplete uint8 = iota
	StatusCantMultiplex
	StatusOverloaded
	StatusUnknownRole
)

const (
	headerLen = 8
	maxWrite  = 65535 // maximum content length of a single record

	flagNone     uint8 = 0
	flagKeepConn uint8 = 1
)

// Header is the fixed 8-byte preamble of every record. All multi-byte fields
// are big-endian on the wire.
type Header struct {
	Version       uint8
	Type          RecType
	ID            uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// ErrMalformedHeader reports a header that could not be decoded, typically
// because the stream closed mid-header.
var ErrMalformedHeader = errors.New("fcgi: malformed record header")

// ErrTruncatedRecord reports a stream that closed before a record's declared
// content arrived. Only returned in strict mode; see ReadRecord.
var ErrTruncatedRecord = errors.New("fcgi: stream closed mid-record")

// DecodeHeader decodes the first 8 bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < headerLen {
		return h, ErrMalformedHeader
	}
	h.Version = b[0]
	h.Type = RecType(b[1])
	h.ID = binary.BigEndian.Uint16(b[2:4])
	h.ContentLength = binary.BigEndian.Uint16(b[4:6])
	h.PaddingLength = b[6]
	h.Reserved = b[7]
	return h, nil
}

func (h Header) encode() []byte {
	b := make([]byte, headerLen)
	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.ID)
	binary.BigEndian.PutUint16(b[4:6], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = h.Reserved
	return b
}

// Record is one protocol frame: header plus content. Padding exists only on
// the wire; it is emitted on encode and dropped on read.
type Record struct {
	Header  Header
	Content []byte
}

// EncodeRecord frames content as a record of the given type. Padding is
// always zero; the spec's round-to-8 recommendation is a performance hint,
// not a requirement, and responders accept unpadded records.
func EncodeRecord(t RecType, id uint16, content []byte) []byte {
	h := Header{
		Version:       Version,
		Type:          t,
		ID:            id,
		ContentLength: uint16(len(content)),
	}
	return append(h.encode(), content...)
}

// ReadRecord reads one record from r. It returns (nil, nil) when the stream
// is cleanly closed before a header arrives, which is how a responder ends a
// no-keep-alive connection. A stream that closes in the middle of a record's
// content yields the truncated content, unless strict is set, in which case
// ErrTruncatedRecord is returned. Any other read failure, a deadline expiry
// included, is passed through so the caller can classify it. Padding is
// consumed and discarded.
func ReadRecord(r io.Reader, strict bool) (*Record, error) {
	var hb [headerLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrMalformedHeader
		}
		return nil, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return nil, err
	}

	content := make([]byte, 0, h.ContentLength)
	for len(content) < int(h.ContentLength) {
		buf := make([]byte, int(h.ContentLength)-len(content))
		n, rerr := r.Read(buf)
		content = append(content, buf[:n]...)
		if len(content) == int(h.ContentLength) {
			// The final bytes may arrive together with io.EOF; the record
			// is complete either way.
			break
		}
		if rerr == io.EOF || (rerr == nil && n == 0) {
			// Premature close. Hand back what we have unless the caller
			// asked for strict framing.
			if strict {
				return nil, ErrTruncatedRecord
			}
			return &Record{Header: h, Content: content}, nil
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	if h.PaddingLength > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.PaddingLength)); err != nil && strict {
			return nil, ErrTruncatedRecord
		}
	}
	return &Record{Header: h, Content: content}, nil
}

// encodeLength writes a name or value length using FastCGI's compressed
// scheme into b and reports how many bytes it used: one byte for lengths
// under 128, otherwise four big-endian bytes with the top bit set.
func encodeLength(b []byte, n uint32) int {
	if n > 127 {
		binary.BigEndian.PutUint32(b, n|1<<31)
		return 4
	}
	b[0] = byte(n)
	return 1
}

func decodeLength(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, err
	}
	if b[0]&0x80 == 0 {
		return uint32(b[0]), nil
	}
	if _, err := io.ReadFull(r, b[1:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:4]) &^ (1 << 31), nil
}

// appendPair appends one length-prefixed name/value pair to dst.
func appendPair(dst []byte, name, value string) []byte {
	var b [8]byte
	n := encodeLength(b[:], uint32(len(name)))
	n += encodeLength(b[n:], uint32(len(value)))
	dst = append(dst, b[:n]...)
	dst = append(dst, name...)
	dst = append(dst, value...)
	return dst
}

// DecodeParams decodes a flat concatenation of name/value pairs, as carried
// by a params or get-values-result stream.
func DecodeParams(content []byte) (map[string]string, error) {
	params := make(map[string]string)
	r := bytes.NewReader(content)
	for r.Len() > 0 {
		nameLen, err := decodeLength(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode name length")
		}
		valueLen, err := decodeLength(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode value length")
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrap(err, "failed to read name")
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, errors.Wrap(err, "failed to read value")
		}
		params[string(name)] = string(value)
	}
	return params, nil
}

// buffer frames outgoing records. The first 8 bytes are reserved for the
// header; Reset must be called before first use.
type buffer struct {
	ix int
	dt [maxWrite + headerLen]byte
}

func (b *buffer) Reset() {
	b.ix = headerLen
}

func (b *buffer) Write(p []byte) (int, error) {
	n := len(p)
	copy(b.dt[b.ix:], p)
	b.ix += n
	return n, nil
}

// CopyFrom fills the buffer from r, never copying more than the free space.
func (b *buffer) CopyFrom(r io.Reader) error {
	n, err := r.Read(b.dt[b.ix:])
	if err != nil {
		return err
	}
	b.ix += n
	return nil
}

func (b *buffer) Len() int  { return b.ix - headerLen }
func (b *buffer) Free() int { return len(b.dt) - b.ix }

// WriteRecord flushes the buffered content as one record and resets the
// buffer for the next.
func (b *buffer) WriteRecord(w io.Writer, id uint16, t RecType) error {
	b.dt[0] = Version
	b.dt[1] = byte(t)
	binary.BigEndian.PutUint16(b.dt[2:4], id)
	binary.BigEndian.PutUint16(b.dt[4:6], uint16(b.Len()))
	b.dt[6] = 0
	b.dt[7] = 0
	_, err := w.Write(b.dt[:b.ix])
	b.Reset()
	return err
}

// writeBeginReq opens an exchange in the responder role. The keep-connection
// flag stays clear: one exchange runs per connection lifetime.
func writeBeginReq(w io.Writer, b *buffer, id uint16) error {
	binary.Write(b, binary.BigEndian, RoleResponder)
	b.Write([]byte{flagNone, 0, 0, 0, 0, 0})
	return b.WriteRecord(w, id, TypeBeginRequest)
}

// writeParams encodes params in sorted key order, fragmenting across records
// when they outgrow a single write, and terminates the stream with the
// mandatory empty params record. The stream is one logical byte sequence, so
// a pair larger than a single record's capacity simply spans several.
func writeParams(w io.Writer, b *buffer, id uint16, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lb [8]byte
	for _, key := range keys {
		val := params[key]
		n := encodeLength(lb[:], uint32(len(key)))
		n += encodeLength(lb[n:], uint32(len(val)))
		for _, part := range [][]byte{lb[:n], []byte(key), []byte(val)} {
			for len(part) > 0 {
				if b.Free() == 0 {
					if err := b.WriteRecord(w, id, TypeParams); err != nil {
						return err
					}
				}
				m := len(part)
				if m > b.Free() {
					m = b.Free()
				}
				b.Write(part[:m])
				part = part[m:]
			}
		}
	}

	if b.Len() > 0 {
		if err := b.WriteRecord(w, id, TypeParams); err != nil {
			return err
		}
	}
	return b.WriteRecord(w, id, TypeParams)
}

// writeStdin streams the request body, fragmenting as needed, and terminates
// with the mandatory empty stdin record.
func writeStdin(w io.Writer, b *buffer, id uint16, r io.Reader) error {
	if r != nil {
		for {
			err := b.CopyFrom(r)
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}
			if err := b.WriteRecord(w, id, TypeStdin); err != nil {
				return err
			}
		}
	}
	return b.WriteRecord(w, id, TypeStdin)
}

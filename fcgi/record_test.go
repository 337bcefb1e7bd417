package fcgi

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"testing/iotest"
)

// timeoutError mimics a deadline expiry on a net.Conn.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// stallReader hands out its bytes, then fails every later read.
type stallReader struct {
	data []byte
	err  error
}

func (r *stallReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestHeaderRoundTrip(t *testing.T) {
	headers := []Header{
		{Version: Version, Type: TypeBeginRequest, ID: 1, ContentLength: 8},
		{Version: Version, Type: TypeStdout, ID: 65535, ContentLength: 65535, PaddingLength: 7},
		{Version: Version, Type: TypeEndRequest, ID: 513, Reserved: 9},
	}
	for _, h := range headers {
		got, err := DecodeHeader(h.encode())
		if err != nil {
			t.Fatalf("decode failed for %+v: %v", h, err)
		}
		if got != h {
			t.Errorf("round trip mismatch: sent %+v, got %+v", h, got)
		}
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 4, 0}); err != ErrMalformedHeader {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestNameValueRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 127, 128, 300}
	for _, nameLen := range sizes {
		for _, valLen := range sizes {
			name := strings.Repeat("k", nameLen)
			value := strings.Repeat("v", valLen)

			params, err := DecodeParams(appendPair(nil, name, value))
			if err != nil {
				t.Fatalf("decode failed for name=%d value=%d: %v", nameLen, valLen, err)
			}
			got, ok := params[name]
			if !ok {
				t.Fatalf("name of length %d missing after round trip", nameLen)
			}
			if got != value {
				t.Errorf("value mismatch for name=%d value=%d: got %d bytes", nameLen, valLen, len(got))
			}
		}
	}
}

func TestEncodeLengthSwitch(t *testing.T) {
	var b [4]byte
	if n := encodeLength(b[:], 127); n != 1 || b[0] != 127 {
		t.Errorf("length 127 should encode in one byte, got %d bytes %v", n, b)
	}
	if n := encodeLength(b[:], 128); n != 4 || b[0]&0x80 == 0 {
		t.Errorf("length 128 should encode in four bytes with the top bit set, got %d bytes %v", n, b)
	}
}

func TestReadRecordPadding(t *testing.T) {
	h := Header{Version: Version, Type: TypeStdout, ID: 1, ContentLength: 5, PaddingLength: 3}
	wire := append(h.encode(), []byte("hello")...)
	wire = append(wire, 0, 0, 0) // padding
	wire = append(wire, EncodeRecord(TypeEndRequest, 1, make([]byte, 8))...)

	r := bytes.NewReader(wire)
	rec, err := ReadRecord(r, true)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(rec.Content) != "hello" {
		t.Errorf("content mismatch: %q", rec.Content)
	}

	// Padding must have been consumed so the next record lines up.
	rec, err = ReadRecord(r, true)
	if err != nil {
		t.Fatalf("read after padding failed: %v", err)
	}
	if rec.Header.Type != TypeEndRequest {
		t.Errorf("expected end-request after padding, got %v", rec.Header.Type)
	}

	rec, err = ReadRecord(r, true)
	if err != nil || rec != nil {
		t.Errorf("expected clean end of stream, got rec=%v err=%v", rec, err)
	}
}

func TestReadRecordTruncated(t *testing.T) {
	h := Header{Version: Version, Type: TypeStdout, ID: 1, ContentLength: 10}
	wire := append(h.encode(), []byte("abc")...)

	rec, err := ReadRecord(bytes.NewReader(wire), false)
	if err != nil {
		t.Fatalf("lenient read failed: %v", err)
	}
	if string(rec.Content) != "abc" {
		t.Errorf("lenient read should yield the truncated content, got %q", rec.Content)
	}

	if _, err := ReadRecord(bytes.NewReader(wire), true); err != ErrTruncatedRecord {
		t.Errorf("strict read should fail with ErrTruncatedRecord, got %v", err)
	}
}

func TestReadRecordErrorMidContent(t *testing.T) {
	// A deadline expiry inside a record is a transport failure, not
	// truncation; folding it into lenient truncation would let a stalled
	// record pass as complete.
	h := Header{Version: Version, Type: TypeEndRequest, ID: 1, ContentLength: 8}
	wire := append(h.encode(), 0, 0, 0)

	for _, strict := range []bool{false, true} {
		r := &stallReader{data: append([]byte(nil), wire...), err: timeoutError{}}
		rec, err := ReadRecord(r, strict)
		if err == nil {
			t.Fatalf("strict=%v: expected the read error to surface, got record %+v", strict, rec)
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("strict=%v: timeout must stay recognizable, got %v", strict, err)
		}
	}
}

func TestReadRecordCompleteWithEOF(t *testing.T) {
	// Readers may return the final content bytes and io.EOF in the same
	// call; the record is complete, not truncated.
	wire := EncodeRecord(TypeStdout, 1, []byte("hello"))
	rec, err := ReadRecord(iotest.DataErrReader(bytes.NewReader(wire)), true)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(rec.Content) != "hello" {
		t.Errorf("content mismatch: %q", rec.Content)
	}
}

func TestWriteParamsRoundTrip(t *testing.T) {
	params := map[string]string{
		"REQUEST_METHOD":  "GET",
		"QUERY_STRING":    "a=b",
		"HTTP_USER_AGENT": strings.Repeat("x", 300),
	}

	var out bytes.Buffer
	var b buffer
	b.Reset()
	if err := writeParams(&out, &b, 3, params); err != nil {
		t.Fatalf("writeParams failed: %v", err)
	}

	r := bytes.NewReader(out.Bytes())
	var content []byte
	sawTerminator := false
	for {
		rec, err := ReadRecord(r, true)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if rec == nil {
			break
		}
		if rec.Header.Type != TypeParams || rec.Header.ID != 3 {
			t.Fatalf("unexpected record %v id %d", rec.Header.Type, rec.Header.ID)
		}
		if rec.Header.ContentLength == 0 {
			sawTerminator = true
			continue
		}
		if sawTerminator {
			t.Fatal("content record after the empty terminator")
		}
		content = append(content, rec.Content...)
	}
	if !sawTerminator {
		t.Error("params stream missing the empty terminator record")
	}

	decoded, err := DecodeParams(content)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for k, v := range params {
		if decoded[k] != v {
			t.Errorf("param %s mismatch after round trip", k)
		}
	}
}

func TestWriteParamsOversizedPairSpansRecords(t *testing.T) {
	// The params stream is one logical byte sequence, so a pair bigger than
	// a single record must span several instead of being dropped.
	params := map[string]string{
		"HUGE":  strings.Repeat("v", maxWrite+100),
		"SMALL": "s",
	}

	var out bytes.Buffer
	var b buffer
	b.Reset()
	if err := writeParams(&out, &b, 1, params); err != nil {
		t.Fatalf("writeParams failed: %v", err)
	}

	r := bytes.NewReader(out.Bytes())
	var content []byte
	nonEmpty := 0
	for {
		rec, err := ReadRecord(r, true)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if rec == nil {
			break
		}
		if rec.Header.ContentLength > 0 {
			nonEmpty++
		}
		content = append(content, rec.Content...)
	}
	if nonEmpty < 2 {
		t.Errorf("oversized pair should span records, got %d content records", nonEmpty)
	}

	decoded, err := DecodeParams(content)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for k, v := range params {
		if decoded[k] != v {
			t.Errorf("param %s lost or corrupted across record boundaries", k)
		}
	}
}

func TestWriteStdinTerminates(t *testing.T) {
	var out bytes.Buffer
	var b buffer
	b.Reset()
	if err := writeStdin(&out, &b, 1, bytes.NewReader([]byte("body"))); err != nil {
		t.Fatalf("writeStdin failed: %v", err)
	}

	r := bytes.NewReader(out.Bytes())
	var content []byte
	last := -1
	for {
		rec, err := ReadRecord(r, true)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if rec == nil {
			break
		}
		if rec.Header.Type != TypeStdin {
			t.Fatalf("unexpected record type %v", rec.Header.Type)
		}
		last = int(rec.Header.ContentLength)
		content = append(content, rec.Content...)
	}
	if string(content) != "body" {
		t.Errorf("stdin content mismatch: %q", content)
	}
	if last != 0 {
		t.Error("stdin stream missing the empty terminator record")
	}
}

func TestWriteBeginRequest(t *testing.T) {
	var out bytes.Buffer
	var b buffer
	b.Reset()
	if err := writeBeginReq(&out, &b, 9); err != nil {
		t.Fatalf("writeBeginReq failed: %v", err)
	}

	rec, err := ReadRecord(bytes.NewReader(out.Bytes()), true)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if rec.Header.Type != TypeBeginRequest || rec.Header.ID != 9 {
		t.Fatalf("unexpected header %+v", rec.Header)
	}
	if len(rec.Content) != 8 {
		t.Fatalf("begin-request body must be 8 bytes, got %d", len(rec.Content))
	}
	if role := uint16(rec.Content[0])<<8 | uint16(rec.Content[1]); role != RoleResponder {
		t.Errorf("role mismatch: %d", role)
	}
	if rec.Content[2] != flagNone {
		t.Errorf("keep-connection flag must be clear, got %d", rec.Content[2])
	}
}

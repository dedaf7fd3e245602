package transport

import (
	"bytes"
	"errors"
	"fmt"
	"iter"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Decoder constants.
const (
	// DefaultMaxRecordSize bounds a single record (64 KB). A partial record
	// growing past this is dropped as a decode fault.
	DefaultMaxRecordSize = 65536

	// MaxLogFrameDataSize is the maximum chunk size included in log events (4 KB).
	MaxLogFrameDataSize = 4096
)

// Decoder errors.
var (
	// ErrNeedMore indicates the buffer holds no complete record yet.
	ErrNeedMore = errors.New("need more data")

	// ErrDecodeFault marks a malformed span skipped by the decoder.
	ErrDecodeFault = errors.New("decode fault")

	// ErrRecordTooLarge indicates a partial record exceeded the size bound.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrGarbage indicates bytes that cannot start a record.
	ErrGarbage = errors.New("unexpected bytes between records")

	// ErrTruncated indicates a record cut short by a line break.
	ErrTruncated = errors.New("record truncated at line break")
)

// DecodeError describes a malformed span of the stream. The decoder has
// already skipped the span when the error is returned.
type DecodeError struct {
	// Offset is the stream offset of the first skipped byte.
	Offset int64

	// Data is the skipped span (truncated to MaxLogFrameDataSize).
	Data []byte

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode fault at offset %d (%d bytes skipped): %v", e.Offset, len(e.Data), e.Err)
}

// Unwrap exposes both ErrDecodeFault and the cause to errors.Is.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecodeFault, e.Err}
}

// Decoder turns a byte stream into CIS-IP2 messages. Records may be split
// across chunks, several may arrive in one chunk, and whitespace between
// records is ignored. Records are single lines: a line break inside an open
// record ends it as a malformed span, and decoding resumes on the next line.
// After other malformed spans the decoder resynchronizes at the next '{'.
//
// A Decoder is not safe for concurrent use; the listener loop owns it.
type Decoder struct {
	buf           []byte
	start         int   // first unconsumed byte in buf
	offset        int64 // stream offset of buf[start]
	maxRecordSize int

	// Scan state for the partial record at buf[start:], kept across Feed
	// calls so a large record is not rescanned from the beginning.
	scanPos  int
	depth    int
	inString bool
	escaped  bool
}

// NewDecoder creates a decoder with the default record size bound.
func NewDecoder() *Decoder {
	return NewDecoderWithMaxSize(DefaultMaxRecordSize)
}

// NewDecoderWithMaxSize creates a decoder with a custom record size bound.
func NewDecoderWithMaxSize(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	return &Decoder{maxRecordSize: maxSize}
}

// Feed appends a chunk read from the stream.
func (d *Decoder) Feed(chunk []byte) {
	if d.start > 0 && d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
	} else if d.start > 0 && d.start >= cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Offset returns the stream offset of the next unconsumed byte.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// Reset discards all buffered bytes, e.g. for a new connection.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.start = 0
	d.offset = 0
	d.resetScan()
}

// Next returns the next decoded message.
//
// It returns ErrNeedMore when the buffer holds no complete record, and a
// *DecodeError for a malformed span that has been skipped. Neither ends the
// sequence: feed more bytes, or call Next again.
func (d *Decoder) Next() (*wire.Message, error) {
	d.skipWhitespace()
	if d.start == len(d.buf) {
		return nil, ErrNeedMore
	}

	if c := d.buf[d.start]; c != '{' && c != '[' {
		return nil, d.skipGarbage()
	}

	end, status := d.scan()
	switch status {
	case scanOpen:
		if len(d.buf)-d.start > d.maxRecordSize {
			return nil, d.dropOversized()
		}
		return nil, ErrNeedMore
	case scanBroken:
		fault := d.fault(d.buf[d.start:d.start+end], ErrTruncated)
		d.consume(end)
		return nil, fault
	}

	record := d.buf[d.start : d.start+end]
	msg, err := wire.DecodeMessage(record)
	if err != nil {
		fault := d.fault(record, err)
		d.consume(end)
		return nil, fault
	}
	d.consume(end)
	return msg, nil
}

// All yields every message and decode fault available in the buffer and
// stops at the first ErrNeedMore.
func (d *Decoder) All() iter.Seq2[*wire.Message, error] {
	return func(yield func(*wire.Message, error) bool) {
		for {
			msg, err := d.Next()
			if errors.Is(err, ErrNeedMore) {
				return
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

func (d *Decoder) skipWhitespace() {
	for d.start < len(d.buf) {
		switch d.buf[d.start] {
		case ' ', '\t', '\r', '\n':
			d.start++
			d.offset++
		default:
			return
		}
	}
}

// skipGarbage drops bytes up to the next '{' or '[' (or the whole buffer).
// A '['-led span is scanned like a record and rejected as a whole, so an
// object wrapped in an array never decodes.
func (d *Decoder) skipGarbage() error {
	rest := d.buf[d.start:]
	n := bytes.IndexAny(rest, "{[")
	if n < 0 {
		n = len(rest)
	}
	fault := d.fault(rest[:n], ErrGarbage)
	d.consume(n)
	return fault
}

// dropOversized drops the partial record and resyncs at the next '{'
// after its opening brace.
func (d *Decoder) dropOversized() error {
	rest := d.buf[d.start:]
	n := bytes.IndexByte(rest[1:], '{')
	if n < 0 {
		n = len(rest)
	} else {
		n++
	}
	fault := d.fault(rest[:n], fmt.Errorf("%w: more than %d bytes", ErrRecordTooLarge, d.maxRecordSize))
	d.consume(n)
	return fault
}

type scanStatus int

const (
	scanOpen     scanStatus = iota // record not complete yet
	scanComplete                   // closing brace seen
	scanBroken                     // line break inside the record
)

// scan continues scanning the record at buf[start:]. It returns the record
// length once the closing brace has been seen, or the length of the broken
// span when a line break arrives first.
func (d *Decoder) scan() (int, scanStatus) {
	rec := d.buf[d.start:]
	for ; d.scanPos < len(rec); d.scanPos++ {
		c := rec[d.scanPos]
		if c == '\n' {
			return d.scanPos, scanBroken
		}
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}
		switch c {
		case '"':
			d.inString = true
		case '{', '[':
			d.depth++
		case '}', ']':
			d.depth--
			if d.depth == 0 {
				d.scanPos++
				return d.scanPos, scanComplete
			}
		}
	}
	return 0, scanOpen
}

func (d *Decoder) consume(n int) {
	d.start += n
	d.offset += int64(n)
	d.resetScan()
}

func (d *Decoder) resetScan() {
	d.scanPos = 0
	d.depth = 0
	d.inString = false
	d.escaped = false
}

func (d *Decoder) fault(span []byte, err error) *DecodeError {
	data := span
	if len(data) > MaxLogFrameDataSize {
		data = data[:MaxLogFrameDataSize]
	}
	return &DecodeError{
		Offset: d.offset,
		Data:   bytes.Clone(data),
		Err:    err,
	}
}

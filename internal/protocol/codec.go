package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrRunawayBuffer means too many reads accumulated without a record
	// delimiter; the stream is considered unrecoverable.
	ErrRunawayBuffer = errors.New("runaway receive buffer")

	// ErrMalformedRecord means a delimited record failed to parse as JSON.
	// The record has been dropped; the stream itself is still usable.
	ErrMalformedRecord = errors.New("malformed record")
)

var delim = []byte("\r\n")

// Conn is the subset of net.Conn the codec needs. Satisfied by *net.TCPConn
// and by the in-memory pipes used in tests.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Decoder reads \r\n-delimited JSON records from a stream. A single read may
// return zero, partial, or multiple records; bytes after the first delimiter
// are preserved as overflow and consumed before the next read.
type Decoder struct {
	conn        Conn
	timeout     time.Duration
	chunkBytes  int
	maxSegments int
	overflow    [][]byte
}

// NewDecoder wraps conn with the given per-read timeout.
func NewDecoder(conn Conn, timeout time.Duration) *Decoder {
	return &Decoder{
		conn:        conn,
		timeout:     timeout,
		chunkBytes:  2048,
		maxSegments: 10,
	}
}

// ReadRecord reads until a delimiter is seen and returns the parsed record.
// A read timeout with no complete record returns (nil, nil) so the caller
// can run its keepalive and try again. Malformed records are reported as
// ErrMalformedRecord; the caller should log and continue. Any other error
// means the stream is broken.
func (d *Decoder) ReadRecord() (*Record, error) {
	buf := d.overflow
	d.overflow = nil

	// Overflow from a previous read may already hold a full record.
	if rec, rest, ok := splitRecord(buf); ok {
		d.overflow = rest
		return d.parse(rec)
	}

	for {
		if len(buf) > d.maxSegments {
			return nil, fmt.Errorf("%w: %d segments without delimiter", ErrRunawayBuffer, len(buf))
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		chunk := make([]byte, d.chunkBytes)
		n, err := d.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n])
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if allEmpty(buf) {
					// Nothing pending; let the caller poll.
					return nil, nil
				}
				// Mid-record: the empty read still counts toward the
				// runaway guard so a stalled peer cannot wedge us here.
				buf = append(buf, nil)
				continue
			}
			return nil, fmt.Errorf("socket read: %w", err)
		}

		if rec, rest, ok := splitRecord(buf); ok {
			d.overflow = rest
			return d.parse(rec)
		}
	}
}

func (d *Decoder) parse(data []byte) (*Record, error) {
	rec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
	}
	return rec, nil
}

// splitRecord joins segments up to the first delimiter. The remainder after
// the delimiter is returned as the new overflow.
func splitRecord(segments [][]byte) (record []byte, rest [][]byte, ok bool) {
	joined := bytes.Join(segments, nil)
	idx := bytes.Index(joined, delim)
	if idx < 0 {
		return nil, nil, false
	}
	record = joined[:idx]
	if tail := joined[idx+len(delim):]; len(tail) > 0 {
		rest = [][]byte{tail}
	}
	return record, rest, true
}

func allEmpty(segments [][]byte) bool {
	for _, s := range segments {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

// Encoder serialises records onto the stream, one JSON object per line.
type Encoder struct {
	conn Conn
}

// NewEncoder wraps conn for writing.
func NewEncoder(conn Conn) *Encoder {
	return &Encoder{conn: conn}
}

// Encode writes v as a single \r\n-terminated JSON record.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, delim...)
	if _, err := e.conn.Write(data); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize bounds a single encoded message, newline excluded.
const MaxMessageSize = 8 << 20

// MaxBodySize is the largest request body the host forwards. Half a line
// leaves room for the envelope and for escaping a non-JSON body.
const MaxBodySize = MaxMessageSize / 2

// Encoder writes newline-delimited messages. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w with a mutex-guarded message writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("encode %s: %w", m.Type(), ErrMessageTooLarge)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type(), err)
	}
	return nil
}

// Decoder reads newline-delimited messages. Not safe for concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r. Its line buffer starts at
// 64 KiB and grows on demand.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderBuffer(r, make([]byte, 0, 64*1024))
}

// NewDecoderBuffer creates a decoder that reads lines into buf. A buffer
// with capacity MaxMessageSize+1 never grows, so decoding allocates nothing
// for the line itself.
func NewDecoderBuffer(r io.Reader, buf []byte) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(buf, MaxMessageSize+1)
	return &Decoder{scanner: scanner}
}

// Next returns the next non-blank line with surrounding space trimmed. The
// slice is only valid until the following call. It returns io.EOF when the
// stream ends cleanly.
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrMessageTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// Decode returns the next message. Blank lines are skipped. It returns
// io.EOF when the stream ends cleanly. A malformed line yields an error
// wrapping ErrInvalidMessage or ErrUnknownType; the caller may keep reading.
func (d *Decoder) Decode() (Message, error) {
	line, err := d.Next()
	if err != nil {
		return nil, err
	}
	return Unmarshal(line)
}

// Recoverable reports whether Decode may be called again after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrUnknownType)
}

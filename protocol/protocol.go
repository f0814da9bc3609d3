// Package protocol implements the frame codec used on every storage-rpc connection.
//
// The byte stream is a sequence of frames, each a 4-byte big-endian length followed
// by exactly that many bytes of UTF-8 JSON. The receiver cannot assume TCP reads line
// up with frames: one read may carry half a length prefix, or three frames and the
// start of a fourth. Decoder reassembles them.
//
// Frame format:
//
//	0          4
//	┌──────────┬──────────────────────┐
//	│  length  │     JSON body ...    │
//	│  uint32  │     length bytes     │
//	└──────────┴──────────────────────┘
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/juju/errors"
)

const (
	HeaderSize = 4 // big-endian body length

	// DefaultMaxFrameSize bounds the allocation made for one incoming body.
	DefaultMaxFrameSize uint32 = 64 << 20
)

const (
	// ErrFraming marks a frame whose body is not valid JSON for the expected message.
	// It is fatal for the connection it was read from.
	ErrFraming = errors.ConstError("malformed frame")

	// ErrFrameTooLarge is returned when a length prefix exceeds the decoder limit.
	ErrFrameTooLarge = errors.ConstError("frame too large")
)

// Encode serializes v to JSON and prefixes it with its length.
// The result is one complete frame.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "encoding frame body")
	}
	if uint64(len(body)) > uint64(^uint32(0)) {
		return nil, errors.Annotatef(ErrFrameTooLarge, "body of %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// WriteFrame encodes v and writes it with a single Write call.
// The caller must hold a write lock if several goroutines share w, otherwise
// frames from different writers can interleave.
func WriteFrame(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder turns an arbitrarily chunked byte stream back into messages of type T.
//
// It is a two-phase state machine: accumulate the 4 length bytes, then accumulate
// the body. A completed body is unmarshalled, emitted, and the decoder starts over
// on whatever bytes remain in the chunk.
type Decoder[T any] struct {
	limit  uint32
	header [HeaderSize]byte
	body   []byte
	filled int  // bytes accumulated in the current phase
	inBody bool // false while reading the length prefix
}

// NewDecoder returns a decoder that rejects frames longer than maxFrameSize.
// A zero maxFrameSize disables the check.
func NewDecoder[T any](maxFrameSize uint32) *Decoder[T] {
	return &Decoder[T]{limit: maxFrameSize}
}

// Feed consumes one chunk and returns every message it completed, in order.
// Messages decoded before an error are returned together with the error.
func (d *Decoder[T]) Feed(chunk []byte) ([]T, error) {
	var out []T
	for len(chunk) > 0 {
		if !d.inBody {
			n := copy(d.header[d.filled:], chunk)
			d.filled += n
			chunk = chunk[n:]
			if d.filled < HeaderSize {
				break
			}
			size := binary.BigEndian.Uint32(d.header[:])
			if d.limit > 0 && size > d.limit {
				return out, errors.Annotatef(ErrFrameTooLarge, "%d bytes exceeds limit of %d", size, d.limit)
			}
			d.body = make([]byte, size)
			d.filled = 0
			d.inBody = true
		}

		n := copy(d.body[d.filled:], chunk)
		d.filled += n
		chunk = chunk[n:]
		if d.filled < len(d.body) {
			break
		}

		var msg T
		if err := json.Unmarshal(d.body, &msg); err != nil {
			d.reset()
			return out, errors.Annotatef(ErrFraming, "%v", err)
		}
		out = append(out, msg)
		d.reset()
	}
	return out, nil
}

// Buffered reports whether a partial frame is waiting for more bytes.
func (d *Decoder[T]) Buffered() bool {
	return d.inBody || d.filled > 0
}

func (d *Decoder[T]) reset() {
	d.body = nil
	d.filled = 0
	d.inBody = false
}

// Pump reads r until it fails, feeding every chunk to d and passing each decoded
// message to handle on the calling goroutine, in stream order.
// It returns io.EOF on a clean end of stream, the framing error if the stream is
// malformed, or the read error.
func Pump[T any](r io.Reader, d *Decoder[T], handle func(T)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			msgs, ferr := d.Feed(buf[:n])
			for _, msg := range msgs {
				handle(msg)
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if err == io.EOF && d.Buffered() {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package framing splits the stdout of a test process into event frames.
//
// A frame is the text between two consecutive sentinels (or between stream
// start and the first sentinel). A frame is only produced once its trailing
// sentinel has fully arrived; a dangling tail at stream end is dropped.
package framing

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// Sentinel terminates every frame. It cannot occur inside a JSON encoded event.
const Sentinel = "__END_OF_JSON__"

const defaultReadSize = 32 * 1024

var sentinel = []byte(Sentinel)

// Decoder holds the residual buffer of one stream. It is not safe for
// concurrent use; each child process stream gets its own Decoder.
type Decoder struct {
	buf []byte
	// scanned is the prefix of buf already known not to contain the start of a
	// complete sentinel.
	scanned int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the residual buffer and returns every complete frame
// in stream order. Whitespace-only frames are discarded. Returned slices do
// not alias the decoder's buffer.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	start := 0
	searchFrom := d.scanned

	for {
		idx := bytes.Index(d.buf[searchFrom:], sentinel)
		if idx < 0 {
			break
		}
		end := searchFrom + idx
		if frame := d.buf[start:end]; len(bytes.TrimSpace(frame)) > 0 {
			frames = append(frames, bytes.Clone(frame))
		}
		start = end + len(sentinel)
		searchFrom = start
	}

	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}

	// A sentinel may straddle the next chunk boundary, so keep the last
	// len(sentinel)-1 bytes unscanned.
	d.scanned = max(len(d.buf)-len(sentinel)+1, 0)

	return frames
}

// Residual returns the number of bytes waiting for a sentinel.
func (d *Decoder) Residual() int {
	return len(d.buf)
}

// Reset drops the residual buffer.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.scanned = 0
}

// ReadFrames reads r until EOF and calls fn for every frame in order. fn is
// never called concurrently. A non-nil error from fn stops reading and is
// returned. Bytes left without a trailing sentinel at EOF are dropped and
// reported through the returned residual count.
func (d *Decoder) ReadFrames(ctx context.Context, r io.Reader, fn func([]byte) error) (residual int, err error) {
	chunk := make([]byte, defaultReadSize)

	for {
		if err := ctx.Err(); err != nil {
			return d.Residual(), err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			for _, frame := range d.Feed(chunk[:n]) {
				if err := fn(frame); err != nil {
					return d.Residual(), err
				}
			}
		}

		if readErr != nil {
			residual = d.Residual()
			d.Reset()
			if errors.Is(readErr, io.EOF) {
				return residual, nil
			}
			return residual, readErr
		}
	}
}

// Encode appends the sentinel to an encoded event.
func Encode(event []byte) []byte {
	out := make([]byte, 0, len(event)+len(sentinel))
	out = append(out, event...)
	return append(out, sentinel...)
}

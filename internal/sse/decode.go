// SPDX-License-Identifier: MIT

package sse

import (
	"context"
	"errors"
	"io"

	"github.com/ManuGH/flaregql/internal/metrics"
)

const readChunkSize = 4 << 10

// Decode reads r until EOF, feeding d and calling fn for every message. The
// trailing fragment is flushed at EOF. An error from fn stops decoding and is
// returned as is. Decode returns nil on EOF and ctx.Err() once ctx is done.
// Blocking reads are only interrupted if r is tied to ctx, as HTTP response
// bodies are.
func Decode(ctx context.Context, r io.Reader, d *Decoder, fn func(Message) error) error {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, m := range d.Feed(buf[:n]) {
				metrics.IncSSEMessage("in")
				if err := fn(m); err != nil {
					return err
				}
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return readErr
		}
		if m, ok := d.Finish(); ok {
			metrics.IncSSEMessage("in")
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}
}

// SPDX-License-Identifier: MIT

package sse

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ManuGH/flaregql/internal/metrics"
)

// Writer writes an event stream to an HTTP response. Every write is flushed
// immediately. Writer is safe for concurrent use, so a keep-alive ticker can
// share it with the producer.
type Writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter sets the event stream headers, writes the 200 status and flushes
// it so the client sees the stream open before the first message.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{w: w, rc: http.NewResponseController(w)}
	if err := sw.rc.Flush(); err != nil {
		return nil, fmt.Errorf("event stream requires a flushable response: %w", err)
	}
	return sw, nil
}

// WriteMessage writes m followed by the blank-line terminator. Empty fields
// are omitted; multi-line data is split across data lines.
func (sw *Writer) WriteMessage(m Message) error {
	var b bytes.Buffer
	if m.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", m.Event)
	}
	if m.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", m.ID)
	}
	if m.Retry > 0 {
		b.WriteString("retry: " + strconv.FormatInt(m.Retry.Milliseconds(), 10) + "\n")
	}
	if m.Data != "" {
		for _, line := range strings.Split(m.Data, "\n") {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteByte('\n')
	if err := sw.write(b.Bytes()); err != nil {
		return err
	}
	metrics.IncSSEMessage("out")
	return nil
}

// KeepAlive writes an empty comment block.
func (sw *Writer) KeepAlive() error {
	return sw.write([]byte(":\n\n"))
}

func (sw *Writer) write(p []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(p); err != nil {
		return err
	}
	return sw.rc.Flush()
}

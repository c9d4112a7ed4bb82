// SPDX-License-Identifier: MIT

// Package sse implements the text/event-stream wire format: an incremental
// decoder that tolerates arbitrary chunk boundaries, and a writer for
// streaming responses.
package sse

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// Message is one dispatched event. Retry is zero unless the block carried a
// valid retry field.
type Message struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// Decoder assembles messages from a byte stream fed in arbitrary chunks.
// A Decoder holds per-stream state and is not safe for concurrent use.
type Decoder struct {
	// OnID is called for every accepted id field. An empty id means the
	// remembered last event id must be cleared.
	OnID func(id string)
	// OnRetry is called for every retry field that parses as an integer
	// number of milliseconds.
	OnRetry func(time.Duration)
	// SkipKeepAlive drops pings: blocks that carry no data, event or id field.
	// By default pings are delivered as empty messages.
	SkipKeepAlive bool

	pending []byte
	lastID  string

	msg      Message
	data     strings.Builder
	hasData  bool
	hasField bool
	hasRetry bool
}

// LastEventID returns the id that should accompany a reconnect.
func (d *Decoder) LastEventID() string { return d.lastID }

// Feed consumes one chunk and returns the messages completed by it, in
// arrival order. An incomplete trailing line is kept for the next call.
func (d *Decoder) Feed(chunk []byte) []Message {
	var out []Message
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		if m, ok := d.line(bytes.TrimSuffix(line, []byte{'\r'})); ok {
			out = append(out, m)
		}
	}
	if len(buf) > 0 {
		d.pending = append(d.pending[:0], buf...)
	}
	return out
}

// Finish processes bytes left in the line buffer as if they ended with a
// newline. A message is only returned if that final line was blank.
func (d *Decoder) Finish() (Message, bool) {
	if len(d.pending) == 0 {
		return Message{}, false
	}
	line := bytes.TrimSuffix(d.pending, []byte{'\r'})
	d.pending = nil
	return d.line(line)
}

func (d *Decoder) line(line []byte) (Message, bool) {
	if len(line) == 0 {
		return d.dispatch()
	}
	if line[0] == ':' {
		return Message{}, false
	}

	var field, value string
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		field = string(line[:i])
		v := line[i+1:]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		value = string(v)
	} else {
		field = string(line)
	}

	switch field {
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.WriteString(value)
		d.hasData = true
		d.hasField = true
	case "event":
		d.msg.Event = value
		d.hasField = true
	case "id":
		if strings.IndexByte(value, 0) >= 0 {
			return Message{}, false
		}
		d.msg.ID = value
		d.lastID = value
		d.hasField = true
		if d.OnID != nil {
			d.OnID(value)
		}
	case "retry":
		ms, ok := parseRetry(value)
		if !ok {
			return Message{}, false
		}
		d.msg.Retry = time.Duration(ms) * time.Millisecond
		d.hasRetry = true
		if d.OnRetry != nil {
			d.OnRetry(d.msg.Retry)
		}
	}
	return Message{}, false
}

// dispatch emits the accumulated message on a blank line. A block that only
// carried retry fields is a control frame and is not emitted.
func (d *Decoder) dispatch() (Message, bool) {
	m := d.msg
	m.Data = d.data.String()
	emit := true
	switch {
	case d.hasField:
	case d.hasRetry:
		emit = false
	case d.SkipKeepAlive:
		emit = false
	}

	d.msg = Message{}
	d.data.Reset()
	d.hasData = false
	d.hasField = false
	d.hasRetry = false
	return m, emit
}

// maxRetryMillis is the largest retry that fits a time.Duration.
const maxRetryMillis = math.MaxInt64 / int64(time.Millisecond)

func parseRetry(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms > maxRetryMillis {
		return 0, false
	}
	return ms, true
}

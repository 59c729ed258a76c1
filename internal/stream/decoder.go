// ABOUTME: Single-pass state machine reassembling chunked data lines into tokens
// ABOUTME: Tracks ACCUMULATING/COMPLETE/FAILED with partial-line buffering across fragments

package stream

import (
	"strings"
)

// State is the decoder's lifecycle state.
type State int

const (
	Accumulating State = iota
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DataPrefix marks a line carrying a payload.
	DataPrefix = "data: "
	// DoneSentinel is the payload that completes a stream.
	DoneSentinel = "[DONE]"
	// ErrorSentinel prefixes the payload of a failed stream.
	ErrorSentinel = "[ERROR]"
)

// TokenFunc is called for every payload line with the payload and the
// accumulated text including it.
type TokenFunc func(token, accumulated string)

// Decoder reassembles fragments into payload tokens. The zero value is ready
// to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	onToken TokenFunc

	pending strings.Builder
	text    strings.Builder
	state   State
	reason  string
}

// NewDecoder returns a decoder that reports tokens to onToken (which may be nil).
func NewDecoder(onToken TokenFunc) *Decoder {
	return &Decoder{onToken: onToken}
}

// Feed consumes one raw fragment. Fragments after a terminal state are ignored.
func (d *Decoder) Feed(fragment string) {
	if d.state != Accumulating {
		return
	}
	d.pending.WriteString(fragment)

	buf := d.pending.String()
	cut := strings.LastIndexByte(buf, '\n')
	if cut < 0 {
		return
	}
	complete, remainder := buf[:cut+1], buf[cut+1:]
	d.pending.Reset()
	d.pending.WriteString(remainder)

	for _, line := range strings.SplitAfter(complete, "\n") {
		if line == "" {
			continue
		}
		d.processLine(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
		if d.state != Accumulating {
			d.pending.Reset()
			return
		}
	}
}

func (d *Decoder) processLine(line string) {
	payload, ok := strings.CutPrefix(line, DataPrefix)
	if !ok {
		return
	}

	switch {
	case payload == DoneSentinel:
		d.state = Complete
	case strings.HasPrefix(payload, ErrorSentinel):
		d.state = Failed
		d.reason = strings.TrimSpace(payload[len(ErrorSentinel):])
	default:
		d.text.WriteString(payload)
		if d.onToken != nil {
			d.onToken(payload, d.text.String())
		}
	}
}

// End signals that the transport is exhausted. A stream that never sent a
// sentinel completes with whatever has accumulated. Any unterminated partial
// line is dropped.
func (d *Decoder) End() {
	d.pending.Reset()
	if d.state == Accumulating {
		d.state = Complete
	}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Text returns all payload text accumulated so far.
func (d *Decoder) Text() string { return d.text.String() }

// Reason returns the failure reason once the decoder is Failed.
func (d *Decoder) Reason() string { return d.reason }

// Done reports whether the decoder reached a terminal state.
func (d *Decoder) Done() bool { return d.state != Accumulating }

// ABOUTME: Pull-style iterator over a streamed response body
// ABOUTME: Reads raw fragments into a Decoder and yields tokens one at a time

package stream

import (
	"errors"
	"fmt"
	"io"
)

const readBufferSize = 4096

// Stream iterates the tokens of one response body. It is single pass: once
// Next returns false the stream cannot be restarted.
type Stream struct {
	body    io.ReadCloser
	decoder *Decoder
	queue   []string
	token   string
	buf     []byte
	err     error
	closed  bool
}

// New wraps body. The caller must Close the stream.
func New(body io.ReadCloser) *Stream {
	s := &Stream{
		body: body,
		buf:  make([]byte, readBufferSize),
	}
	s.decoder = NewDecoder(func(token, _ string) {
		s.queue = append(s.queue, token)
	})
	return s
}

// Next advances to the next token. It returns false when the stream reached
// a terminal state or a read failed; check State and Err afterwards.
func (s *Stream) Next() bool {
	for len(s.queue) == 0 {
		if s.decoder.Done() || s.err != nil || s.closed {
			return false
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.decoder.Feed(string(s.buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.decoder.End()
			} else {
				s.err = fmt.Errorf("reading stream: %w", err)
			}
		}
	}
	s.token, s.queue = s.queue[0], s.queue[1:]
	return true
}

// Token returns the token produced by the last call to Next.
func (s *Stream) Token() string { return s.token }

// Text returns the accumulated text of all tokens decoded so far.
func (s *Stream) Text() string { return s.decoder.Text() }

// State returns the decoder state.
func (s *Stream) State() State { return s.decoder.State() }

// Reason returns the in-stream failure reason when State is Failed.
func (s *Stream) Reason() string { return s.decoder.Reason() }

// Err returns the first read error, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying body. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// Package stream decodes the service's event-style token stream.
//
// # Wire Format
//
// The streaming endpoints emit one token per data line:
//
//	data: Hel
//
//	data: lo
//
//	data: [DONE]
//
// A line whose payload is "[DONE]" completes the stream; a payload starting
// with "[ERROR]" fails it with the remaining text as the reason. Transport
// fragments may split a line anywhere, so the Decoder only processes text up
// to the last newline it has seen.
//
// # Usage
//
// Decoder is the pure state machine:
//
//	d := stream.NewDecoder(func(token, text string) { fmt.Print(token) })
//	d.Feed("data: Hel")
//	d.Feed("lo\ndata: [DONE]\n")
//	d.Text()  // "Hello"
//	d.State() // stream.Complete
//
// Stream wraps an HTTP response body and exposes a single-pass iterator:
//
//	s := stream.New(resp.Body)
//	defer s.Close()
//	for s.Next() {
//	    fmt.Print(s.Token())
//	}
//	if err := s.Err(); err != nil { ... }
package stream

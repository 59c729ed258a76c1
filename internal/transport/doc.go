// Package transport is the HTTP client for the email generation service.
//
// # Overview
//
// The client issues generation and refinement requests. Whether replies are
// batch JSON or a token stream is decided once, when the client is built:
//
//	c := transport.NewClient("http://localhost:8000", transport.ModeStream)
//	reply, err := c.Generate(ctx, req)
//	if reply.Stream != nil {
//	    defer reply.Stream.Close()
//	    for reply.Stream.Next() { ... }
//	}
//
// # Endpoints
//
//   - POST /api/generate-email, /api/generate-email/stream
//   - POST /api/generate-email/quality (batch clients with SetQuality)
//   - POST /api/refine-email, /api/refine-email/stream
//   - POST /api/evaluate-email (always JSON)
//   - GET  /api/models, /api/models/all
//   - GET  /api/health
//
// # Errors
//
// A non-success or malformed response yields *ServiceError carrying the
// service's detail text. Network failures yield *TransportError. Nothing is
// retried.
package transport

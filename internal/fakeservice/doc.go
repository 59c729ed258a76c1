// Package fakeservice is an in-process stand-in for the email generation
// service, used by tests and by cmd/fake-muse for local end-to-end runs.
//
// It serves the same endpoints as the real service, composes deterministic
// emails from the request, and streams them as data lines that can be split
// into arbitrarily small write fragments. Failures can be injected for the
// next request, either as an HTTP error carrying a detail message or as an
// in-stream error line.
//
//	h := fakeservice.New(fakeservice.Options{FragmentSize: 3})
//	srv := httptest.NewServer(h)
//	h.FailNext(http.StatusInternalServerError, "model unavailable")
package fakeservice

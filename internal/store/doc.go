// Package store provides the key/value persistence backends behind the
// session store.
//
// # Backends
//
//   - MemoryStore: process-local map, the default. Nothing survives exit.
//   - SQLiteStore: a single kv table in a SQLite file (modernc.org/sqlite,
//     no cgo). Useful for inspecting the session record while the engine
//     runs, or for hosts that want the record on disk.
//
// Both implement Store. Values are opaque bytes; the session package writes
// one JSON record under one key and replaces it wholesale on every mutation.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/tmp/muse.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Put(ctx, "muse.chats", data); err != nil {
//	    return err
//	}
//	data, err = s.Get(ctx, "muse.chats")
//	if errors.Is(err, store.ErrNotFound) {
//	    // never written, or deleted
//	}
package store

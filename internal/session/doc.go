// Package session holds the user's chats for the lifetime of one process.
//
// A Store owns every Chat and the active-chat key. It serialises the whole
// chat list as one JSON record under a single namespaced key of a
// store.Store backend, replacing the record on every mutation. Opening a
// Store discards whatever record a previous process left behind.
//
// Mutations are copy-on-write: the next state is built and persisted first,
// and only becomes visible once the backend write succeeds. A failed write
// returns a *StorageError and leaves the in-memory state untouched.
//
// Conversation is a read-through view over one chat by id. It never copies
// chat data into its own state, so it always reflects what the Store holds.
package session

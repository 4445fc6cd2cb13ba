// Package store provides persistent storage for support conversations.
//
// # Architecture
//
// The Store interface covers conversations and their messages. Three
// implementations exist:
//
//   - SQLiteStore: default, single file, modernc.org/sqlite (no cgo)
//   - PostgresStore: pgx connection pool, for deployments sharing a database
//   - MockStore: in-memory, for unit tests
//
// # Data Models
//
//   - Conversation: one support thread between a store and a customer or guest
//   - Message: an utterance from a customer, merchant or bot
//
// A conversation is owned by exactly one of CustomerID or GuestSessionID.
// Both backends carry partial unique indexes so that an owner has at most one
// active conversation per store even when two requests race to create it.
//
// # Writes
//
// All mutations of an existing conversation go through Update, which opens a
// transaction, locks the conversation row and hands the callback a Tx:
//
//	err := s.Update(ctx, id, func(tx store.Tx) error {
//		conv := tx.Conversation()
//		conv.Version++
//		return tx.SaveConversation(ctx, conv)
//	})
//
// SQLite takes the database write lock up front (BEGIN IMMEDIATE, busy_timeout
// 5s). Postgres uses SELECT ... FOR UPDATE. SaveConversation additionally
// checks the version it read, so a lost race surfaces as ErrConflict rather
// than a silent overwrite.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: uniqueness constraint hit (active conversation, client message id)
//   - ErrConflict: concurrent modification or lock timeout; safe to retry
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
// for integration tests. Postgres tests run when STORECHAT_TEST_POSTGRES_DSN is set.
package store

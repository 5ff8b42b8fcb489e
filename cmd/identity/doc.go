// Package identity holds the account record and its persistence boundary.
//
// A User is created once at signup and afterwards only changed through
// Store.UpdateUser, which runs a read-modify-write under a per-record lock so
// the salt/secret pair of one write never mixes with another.
//
// Three Store implementations exist: MemoryStore (dev and tests),
// PostgresStore and MongoStore.
package identity

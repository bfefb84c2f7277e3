// Package shard decides which store server owns which rows of a table and
// holds one server's share of every table.
//
// # Layout
//
// A Layout is shared by every process. Given a global row id it yields the
// owning server and the row's local index there, either in contiguous blocks
// of ceil(rows/servers) ids or round-robin. Group splits a request into
// per-server batches, keeping the caller's relative order inside each batch
// and remembering each id's original position.
//
// # Shard
//
// A Shard is what one server hosts: a map from table name to a
// storage.Table sized to the server's share, plus operation counters.
// Pushes and pulls arrive with global ids; the shard translates them through
// the table's layout and rejects ids that belong elsewhere.
//
// Initializing a table twice with the same shape is a no-op, so several
// clients may race to create the same table. A different shape is an error.
package shard

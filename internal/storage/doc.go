// Package storage holds the dense arrays a store server keeps for each named
// table it hosts.
//
// # Tables
//
// A Table is a rows×dim float32 array addressed by local row index, laid out
// row-major in one slice:
//
//	row r  →  data[r*dim : (r+1)*dim]
//
// Tables start zero-filled or uniformly random and change only through
// Update. The default update adds the incoming row to the stored one;
// Overwrite replaces it.
//
// # Consistency
//
// Batch operations validate every row first and only then apply, under one
// write lock. A batch is therefore applied completely or not at all, and a
// Gather never observes part of an Update.
//
// # Statistics
//
// Each table tracks, in a roaring bitmap, which rows were ever written. Stats
// reports that count together with the table's shape and size.
package storage

// Package storage persists delivery outcomes and per-channel counters so a
// restart does not lose ledger history. The backend is picked by
// Config.Driver; every backend implements Store.
package storage

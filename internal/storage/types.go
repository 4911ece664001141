package storage

import (
	"errors"
	"time"
)

// ErrDisabled marks operations against a store whose driver is switched off.
var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes the persistence backend.
//
//   - "file"    jsonl delivery log plus a stats snapshot and journal
//   - "sqlite"  single database file, needs the sqlite build tag
//
// An empty Driver, or "none", turns persistence off.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite busy handler; zero keeps the driver default
}

// DeliveryRecord records one processed message and its outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	Channel    string    `json:"channel"`
	Sender     string    `json:"sender,omitempty"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	ReplySent  bool      `json:"replySent"`
	ReplyError string    `json:"replyError,omitempty"`
	TookMS     int64     `json:"tookMs"`
}

// StatsRecord is the last known per-channel counter snapshot.
type StatsRecord struct {
	At          time.Time `json:"at"`
	TotalSeen   uint64    `json:"totalSeen"`
	Processed   uint64    `json:"processed"`
	Successful  uint64    `json:"successful"`
	Failed      uint64    `json:"failed"`
	Irrelevant  uint64    `json:"irrelevant"`
	SuccessRate float64   `json:"successRate"`
}

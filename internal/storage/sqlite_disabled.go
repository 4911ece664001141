//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "ledgerbot/pkg/logx"
)

// Stub linked in when the sqlite tag is absent.
func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite storage requires the sqlite build tag")
}

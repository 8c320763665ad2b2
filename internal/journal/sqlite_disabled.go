//go:build !sqlite
// +build !sqlite

package journal

import (
	"errors"

	logx "taskwarden/pkg/logx"
)

// Stub used when the sqlite driver is compiled out.
func openSQLite(_ Config, _ logx.Logger) (Store, error) {
	return nil, errors.New("sqlite journal not built: build with -tags sqlite")
}

//go:build !sqlite
// +build !sqlite

package cache

import (
	"errors"

	"progload/logx"
)

func openSQLiteStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite cache store not built: build with -tags sqlite")
}

package checkpoint

import (
	"strings"
	"time"
)

const maxBusyRetries = 5

var busyBackoff = 10 * time.Millisecond

// isSQLiteBusy reports whether err is sqlite's lock contention error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs op, retrying with exponential backoff while sqlite
// reports the database as busy. Other errors return immediately.
func retryOnBusy(op func() error) error {
	delay := busyBackoff
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		if err = op(); !isSQLiteBusy(err) {
			return err
		}
		if i < maxBusyRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

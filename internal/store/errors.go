package store

import "strings"

// isDuplicateKeyError covers connections opened without gorm's error
// translation, where the driver error reaches us verbatim.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || // mysql 1062
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}

package xid

import (
	"github.com/google/uuid"
)

// New returns prefix-<uuidv7>. Version 7 ids sort by creation time, which
// keeps primary-key inserts append-mostly.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}

package relaychat

import "github.com/oklog/ulid/v2"

// NewLocalID returns a sortable id for an optimistic entry.
func NewLocalID() string {
	return ulid.Make().String()
}

package domain

import (
	"encoding/json"
	"time"
)

// Comment is an anchored note on a co-space. The ID comes from a single
// global sequence assigned at commit time: strictly increasing, and for
// comments within one co-space consistent with CreatedAt order. Feed
// cursors are expressed in terms of this ID. Comments are immutable.
type Comment struct {
	ID        int64
	CoSpaceID string
	// AuthorID is empty when the author account was deleted after the
	// comment was written.
	AuthorID       string
	AuthorUsername string
	Selector       string
	Text           string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

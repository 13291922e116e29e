package domain

import "time"

// CoSpace is a shared workspace owned by a team, the unit comments
// attach to. Never deleted.
type CoSpace struct {
	ID          string
	Name        string
	TeamID      string
	Description string
	CreatedAt   time.Time
}

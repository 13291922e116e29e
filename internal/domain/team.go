package domain

import "time"

// Team represents a collaborative group. The owner is implicitly
// privileged regardless of membership role; exactly one owner at a time.
type Team struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// TeamMember links a user to a team with a role. Unique per (team, user).
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

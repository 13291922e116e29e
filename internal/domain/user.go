package domain

import "time"

// User represents a platform account. Identity establishment (signup,
// OAuth) happens at the auth boundary; the core only relies on ID and
// Username.
type User struct {
	ID                   string
	Username             string
	GithubID             string
	GithubTokenEncrypted []byte
	PasswordHash         []byte
	CreatedAt            time.Time
}

package auth

import "time"

// SessionRecord is the durable trace of a login kept next to the Redis session.
type SessionRecord struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

package auth

import "time"

// Operator is a person allowed into the admin console. Handle is the chat
// identity the engine checks against its configured administrators.
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	Handle       int64
	CreatedAt    time.Time
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Handle   int64  `json:"handle"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

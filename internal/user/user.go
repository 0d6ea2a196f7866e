// Package user holds the participant model and a read-through cache
// over the server's user directory.
package user

import "context"

// User is a directory entry for a chat participant.
type User struct {
	ID    string
	Name  string
	Email string
}

// Directory resolves user ids against the server.
type Directory interface {
	UserInfo(ctx context.Context, id string) (User, error)
}

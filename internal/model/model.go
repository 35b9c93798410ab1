package model

import "time"

const (
	UserTypeStudent = "student"
	UserTypeTeacher = "teacher"
)

type Identity struct {
	ID                  string
	Username            string
	PasswordHash        *string
	UserType            string
	Admin               bool
	Active              bool
	SecondFactorEnabled bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LocalAccount reports whether the identity authenticates against the
// local password store rather than the external directory.
func (i Identity) LocalAccount() bool {
	return i.PasswordHash != nil && *i.PasswordHash != ""
}

type SessionRecord struct {
	SessionID string
	Username  string
	IssuedAt  time.Time
}

type SecondFactorSecret struct {
	ID        string
	OwnerID   string
	Secret    string
	Alias     string
	Verified  bool
	CreatedAt time.Time
}

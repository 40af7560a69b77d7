package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User - учетная запись участника организации. PasswordHash никогда не читается
// слоем realtime и не сериализуется.
type User struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Role           string     `json:"role"`
	IsActive       bool       `json:"is_active"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (u *User) DisplayName() string {
	return FullName(u.FirstName, u.LastName)
}

// FullName склеивает имя и фамилию, пропуская пустые части.
func FullName(firstName, lastName string) string {
	return strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName))
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleGuest  = "guest"
)

// OnlineMember - запись о присутствии пользователя в организации.
type OnlineMember struct {
	UserID       uuid.UUID `json:"userId"`
	Connections  int64     `json:"connections"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

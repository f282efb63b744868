package models

import "time"

// UserStatus is the canonical lifecycle status of a user record. Card-freeze
// style two-value flags are kept separate and are not folded into this enum.
type UserStatus string

const (
	UserActive     UserStatus = "ACTIVE"
	UserSuspended  UserStatus = "SUSPENDED"
	UserRestricted UserStatus = "RESTRICTED"
	UserLocked     UserStatus = "LOCKED"
	UserBlocked    UserStatus = "BLOCKED"
	UserClosed     UserStatus = "CLOSED"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID              int        `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	FirstName       string     `json:"firstName" db:"first_name"`
	LastName        string     `json:"lastName" db:"last_name"`
	PhoneNumber     string     `json:"phoneNumber" db:"phone_number"`
	Role            UserRole   `json:"role" db:"role"`
	Status          UserStatus `json:"status" db:"status"`
	CurrencyCode    string     `json:"currencyCode" db:"currency_code"`
	Password        string     `json:"-" db:"password"`
	TransferPin     string     `json:"-" db:"transfer_pin"`
	TransferBlocked bool       `json:"-" db:"transfer_blocked"`
	Accounts        []Account  `json:"accounts,omitempty"`
	LastLogin       *time.Time `json:"lastLogin,omitempty" db:"last_login"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}

func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

package models

import (
	"strings"
	"time"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) IsDoctor() bool {
	return u != nil && u.Role == RoleDoctor
}

func (u *User) CountryCode() string {
	return strings.ToLower(strings.TrimSpace(u.Country))
}

// Account is the caller's own view: patients see their quota, doctors their wallet.
type Account struct {
	User         *User         `json:"user"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Wallet       *DoctorWallet `json:"wallet,omitempty"`
}

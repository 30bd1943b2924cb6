package model

import "time"

// Account is a wallet owner. Balance is in whole currency units.
type Account struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Balance   uint      `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

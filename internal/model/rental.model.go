package model

import "time"

type RentalStatus string

const (
	RentalStatusActive    RentalStatus = "active"
	RentalStatusCancelled RentalStatus = "cancelled"
)

// Rental is a number handed out by the provider. ID is the provider's
// activation id.
type Rental struct {
	ID                 string       `json:"id"`
	AccountID          int64        `json:"account_id"`
	CountryKey         string       `json:"country_key"`
	CountryCode        int          `json:"country_code"`
	Number             string       `json:"number"`
	Price              uint         `json:"price"`
	Status             RentalStatus `json:"status"`
	LastProviderStatus string       `json:"last_provider_status,omitempty"`
	DebitReference     string       `json:"debit_reference"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	CancelledAt        *time.Time   `json:"cancelled_at,omitempty"`
}

func (r *Rental) Active() bool {
	return r.Status == RentalStatusActive
}

package repository

import (
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
)

type RentalEntity struct {
	ID                 string     `db:"id"                   gorm:"primaryKey;column:id"`
	AccountID          int64      `db:"account_id"           gorm:"column:account_id;not null;index"`
	CountryKey         string     `db:"country_key"          gorm:"column:country_key;not null"`
	CountryCode        int        `db:"country_code"         gorm:"column:country_code;not null"`
	Number             string     `db:"number"               gorm:"column:number;not null"`
	Price              uint       `db:"price"                gorm:"column:price;not null"`
	Status             string     `db:"status"               gorm:"column:status;not null;default:active"`
	LastProviderStatus string     `db:"last_provider_status" gorm:"column:last_provider_status"`
	DebitReference     string     `db:"debit_reference"      gorm:"column:debit_reference;not null"`
	CreatedAt          time.Time  `db:"created_at"           gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `db:"updated_at"           gorm:"column:updated_at;autoUpdateTime"`
	CancelledAt        *time.Time `db:"cancelled_at"         gorm:"column:cancelled_at"`
}

func (RentalEntity) TableName() string {
	return "rentals"
}

func toRentalEntity(m *model.Rental) *RentalEntity {
	if m == nil {
		return nil
	}
	status := string(m.Status)
	if status == "" {
		status = string(model.RentalStatusActive)
	}
	return &RentalEntity{
		ID:                 m.ID,
		AccountID:          m.AccountID,
		CountryKey:         m.CountryKey,
		CountryCode:        m.CountryCode,
		Number:             m.Number,
		Price:              m.Price,
		Status:             status,
		LastProviderStatus: m.LastProviderStatus,
		DebitReference:     m.DebitReference,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		CancelledAt:        m.CancelledAt,
	}
}

func toRentalModel(e *RentalEntity) *model.Rental {
	if e == nil {
		return nil
	}
	return &model.Rental{
		ID:                 e.ID,
		AccountID:          e.AccountID,
		CountryKey:         e.CountryKey,
		CountryCode:        e.CountryCode,
		Number:             e.Number,
		Price:              e.Price,
		Status:             model.RentalStatus(e.Status),
		LastProviderStatus: e.LastProviderStatus,
		DebitReference:     e.DebitReference,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		CancelledAt:        e.CancelledAt,
	}
}

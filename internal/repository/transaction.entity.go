package repository

import (
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
)

type TransactionEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	AccountID int64     `db:"account_id" gorm:"column:account_id;not null;index"`
	Amount    uint      `db:"amount"     gorm:"column:amount;not null"`
	Type      string    `db:"type"       gorm:"column:type;not null"`
	Reference string    `db:"reference"  gorm:"column:reference;not null;uniqueIndex"`
	RentalID  *string   `db:"rental_id"  gorm:"column:rental_id;index"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (TransactionEntity) TableName() string {
	return "ledger_transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:        m.ID,
		AccountID: m.AccountID,
		Amount:    m.Amount,
		Type:      string(m.Type),
		Reference: m.Reference,
		RentalID:  m.RentalID,
		CreatedAt: m.CreatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:        e.ID,
		AccountID: e.AccountID,
		Amount:    e.Amount,
		Type:      model.TransactionType(e.Type),
		Reference: e.Reference,
		RentalID:  e.RentalID,
		CreatedAt: e.CreatedAt,
	}
}

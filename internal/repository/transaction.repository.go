package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrDuplicateReference  = errors.New("transaction reference already used")
	ErrTransactionNotFound = errors.New("transaction not found")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{db}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

// ExistsReference is checked before inserting a credit so a replay does not
// rely on a constraint violation, which would poison an open transaction.
func (r *TransactionRepository) ExistsReference(ctx context.Context, reference string) (bool, error) {
	var n int64
	err := r.Write(ctx).Model(&TransactionEntity{}).Where("reference = ?", reference).Count(&n).Error
	return n > 0, err
}

// AttachRental links a journal line to the rental it paid for.
func (r *TransactionRepository) AttachRental(ctx context.Context, reference string, rentalID string) error {
	result := r.Write(ctx).
		Model(&TransactionEntity{}).
		Where("reference = ?", reference).
		Update("rental_id", rentalID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

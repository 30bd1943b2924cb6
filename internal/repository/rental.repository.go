package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrRentalNotFound  = errors.New("rental not found")
	ErrRentalNotActive = errors.New("rental is not active")
	ErrDuplicateRental = errors.New("rental already recorded")
)

type RentalRepository struct {
	*pg.DB
}

func NewRentalRepository(db *pg.DB) *RentalRepository {
	return &RentalRepository{db}
}

func (r *RentalRepository) Create(ctx context.Context, rental *model.Rental) (*model.Rental, error) {
	e := toRentalEntity(rental)
	if err := r.Write(ctx).Create(e).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateRental
		}
		return nil, err
	}
	return toRentalModel(e), nil
}

// GetForAccount only returns rentals owned by accountID; anything else is
// reported as not found.
func (r *RentalRepository) GetForAccount(ctx context.Context, id string, accountID int64) (*model.Rental, error) {
	var e RentalEntity
	err := r.Read(ctx).Where("id = ? AND account_id = ?", id, accountID).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRentalNotFound
		}
		return nil, err
	}
	return toRentalModel(&e), nil
}

// MarkCancelled flips an active rental to cancelled. Only one caller can win.
func (r *RentalRepository) MarkCancelled(ctx context.Context, id string, accountID int64, providerStatus string) error {
	now := time.Now()
	result := r.Write(ctx).
		Model(&RentalEntity{}).
		Where("id = ? AND account_id = ? AND status = ?", id, accountID, string(model.RentalStatusActive)).
		Updates(map[string]any{
			"status":               string(model.RentalStatusCancelled),
			"last_provider_status": providerStatus,
			"cancelled_at":         now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRentalNotActive
	}
	return nil
}

func (r *RentalRepository) UpdateProviderStatus(ctx context.Context, id string, status string) error {
	return r.Write(ctx).
		Model(&RentalEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_provider_status": status,
			"updated_at":           time.Now(),
		}).Error
}

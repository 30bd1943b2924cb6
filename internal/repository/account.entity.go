package repository

import (
	"time"

	"github.com/nimasrn/otp-gateway/internal/model"
)

type AccountEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	Email     string    `db:"email"      gorm:"column:email;not null;uniqueIndex"`
	Balance   uint      `db:"balance"    gorm:"column:balance;not null;default:0"`
	Version   int64     `db:"version"    gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `db:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (AccountEntity) TableName() string {
	return "accounts"
}

type APIKeyEntity struct {
	Key       string     `db:"api_key"    gorm:"primaryKey;column:api_key"`
	AccountID int64      `db:"account_id" gorm:"column:account_id;not null;index"`
	CreatedAt time.Time  `db:"created_at" gorm:"column:created_at;autoCreateTime"`
	RevokedAt *time.Time `db:"revoked_at" gorm:"column:revoked_at"`
}

func (APIKeyEntity) TableName() string {
	return "api_keys"
}

func toAccountModel(e *AccountEntity) *model.Account {
	if e == nil {
		return nil
	}
	return &model.Account{
		ID:        e.ID,
		Email:     e.Email,
		Balance:   e.Balance,
		CreatedAt: e.CreatedAt,
	}
}

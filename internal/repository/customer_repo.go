package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/qs3c/dream_entitlement_server/internal/model"
)

type CustomerRepository struct {
	db *gorm.DB
}

func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Create(ctx context.Context, customer *model.Customer) error {
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *CustomerRepository) GetByUserID(ctx context.Context, userID int64, provider string) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *CustomerRepository) GetByCustomerID(ctx context.Context, provider, customerID string) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.WithContext(ctx).
		Where("provider = ? AND customer_id = ?", provider, customerID).
		First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *CustomerRepository) ExistsByUserID(ctx context.Context, userID int64, provider string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Customer{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Count(&count).Error
	return count > 0, err
}

func (r *CustomerRepository) UpdateCustomerID(ctx context.Context, id int64, customerID string) error {
	return r.db.WithContext(ctx).Model(&model.Customer{}).Where("id = ?", id).
		Update("customer_id", customerID).Error
}

// IsDuplicate 判断写入失败是否由唯一索引冲突导致
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

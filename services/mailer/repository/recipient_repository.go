package repository

import (
	"errors"
	"fmt"

	"mercury-mailer/services/mailer/models"
	"mercury-mailer/shared/database"

	"gorm.io/gorm"
)

// ErrUnknownRecipient is returned when a row index does not exist in the store
var ErrUnknownRecipient = errors.New("unknown recipient")

// RecipientRepository defines the interface for recipient list operations.
// The store owns all recipient records; iteration order is always the import
// order (RowIndex), which is also the send order.
type RecipientRepository interface {
	// Replace swaps the whole list for the given recipients in one
	// transaction: either every row is stored or none is.
	Replace(recipients []*models.Recipient) error

	// All returns every recipient in row order
	All() ([]*models.Recipient, error)

	// ByRowIndex returns one recipient
	ByRowIndex(rowIndex int) (*models.Recipient, error)

	// Add appends one recipient after the current last row
	Add(values map[string]string) (*models.Recipient, error)

	// Delete removes one recipient
	Delete(rowIndex int) error

	// UpdateField sets one placeholder value of one recipient, leaving its
	// status untouched
	UpdateField(rowIndex int, field, value string) error

	// SetStatus records a status transition. Only the send orchestrator
	// calls this.
	SetStatus(rowIndex int, status models.SendStatus, errMsg string) error

	// ResetFailed returns every failed recipient to pending and clears its
	// error, reporting how many rows changed
	ResetFailed() (int64, error)

	// Count returns the number of stored recipients
	Count() (int64, error)
}

// recipientRepository implements RecipientRepository on gorm
type recipientRepository struct {
	db *database.DB
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *database.DB) RecipientRepository {
	return &recipientRepository{
		db: db,
	}
}

func (r *recipientRepository) Replace(recipients []*models.Recipient) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Recipient{}).Error; err != nil {
			return fmt.Errorf("failed to clear recipient list: %w", err)
		}
		for _, recipient := range recipients {
			if err := tx.Create(recipient).Error; err != nil {
				return fmt.Errorf("failed to store recipient %d: %w", recipient.RowIndex, err)
			}
		}
		return nil
	})
}

func (r *recipientRepository) All() ([]*models.Recipient, error) {
	var recipients []*models.Recipient
	if err := r.db.Order("row_index ASC").Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return recipients, nil
}

func (r *recipientRepository) ByRowIndex(rowIndex int) (*models.Recipient, error) {
	var recipient models.Recipient
	err := r.db.Where("row_index = ?", rowIndex).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: row %d", ErrUnknownRecipient, rowIndex)
		}
		return nil, fmt.Errorf("failed to get recipient %d: %w", rowIndex, err)
	}
	return &recipient, nil
}

func (r *recipientRepository) Add(values map[string]string) (*models.Recipient, error) {
	recipient := &models.Recipient{
		Status: models.StatusPending,
	}
	if err := recipient.SetValueMap(values); err != nil {
		return nil, err
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var maxIndex *int
		if err := tx.Model(&models.Recipient{}).Select("MAX(row_index)").Scan(&maxIndex).Error; err != nil {
			return fmt.Errorf("failed to determine next row index: %w", err)
		}
		next := 0
		if maxIndex != nil {
			next = *maxIndex + 1
		}
		recipient.RowIndex = next
		if err := tx.Create(recipient).Error; err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recipient, nil
}

func (r *recipientRepository) Delete(rowIndex int) error {
	result := r.db.Where("row_index = ?", rowIndex).Delete(&models.Recipient{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete recipient %d: %w", rowIndex, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: row %d", ErrUnknownRecipient, rowIndex)
	}
	return nil
}

func (r *recipientRepository) UpdateField(rowIndex int, field, value string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var recipient models.Recipient
		err := tx.Where("row_index = ?", rowIndex).First(&recipient).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: row %d", ErrUnknownRecipient, rowIndex)
			}
			return fmt.Errorf("failed to get recipient %d: %w", rowIndex, err)
		}

		values := recipient.ValueMap()
		values[field] = value
		if err := recipient.SetValueMap(values); err != nil {
			return err
		}

		if err := tx.Model(&recipient).Update("values", recipient.Values).Error; err != nil {
			return fmt.Errorf("failed to update recipient %d: %w", rowIndex, err)
		}
		return nil
	})
}

func (r *recipientRepository) SetStatus(rowIndex int, status models.SendStatus, errMsg string) error {
	result := r.db.Model(&models.Recipient{}).
		Where("row_index = ?", rowIndex).
		Updates(map[string]interface{}{
			"status": status,
			"error":  errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set status for recipient %d: %w", rowIndex, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: row %d", ErrUnknownRecipient, rowIndex)
	}
	return nil
}

func (r *recipientRepository) ResetFailed() (int64, error) {
	result := r.db.Model(&models.Recipient{}).
		Where("status = ?", models.StatusFailed).
		Updates(map[string]interface{}{
			"status": models.StatusPending,
			"error":  "",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset failed recipients: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *recipientRepository) Count() (int64, error) {
	var count int64
	if err := r.db.Model(&models.Recipient{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return count, nil
}

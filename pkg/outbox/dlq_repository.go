package outbox

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
)

// DLQRepository stores notifications the publisher gave up on.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx parks entry inside the publisher's batch transaction so the source
// row is only marked terminal when the dead-letter copy exists.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !entry.ErrorReason.IsValid() {
		return fmt.Errorf("invalid dlq reason %q", entry.ErrorReason)
	}
	if entry.ErrorMessage != nil {
		msg := truncateError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

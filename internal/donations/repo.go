package donations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

// UniqueReferenceIndex guards one ledger row per gateway reference.
const UniqueReferenceIndex = "ux_donations_external_reference"

// Repository manages persistence for donation ledger rows. Rows are never deleted.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, donation *models.Donation) error
	FindByID(ctx context.Context, id int64) (*models.Donation, error)
	FindByReference(ctx context.Context, reference string) (*models.Donation, error)
	UpdateProjection(ctx context.Context, donation *models.Donation) (int64, error)
	ListStale(ctx context.Context, statuses []enums.DonationStatus, updatedBefore time.Time, limit int) ([]models.Donation, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a donation repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, donation *models.Donation) error {
	return r.db.WithContext(ctx).Create(donation).Error
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.Donation, error) {
	var donation models.Donation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&donation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &donation, nil
}

// FindByReference returns nil, nil when no row exists.
func (r *repository) FindByReference(ctx context.Context, reference string) (*models.Donation, error) {
	var donation models.Donation
	err := r.db.WithContext(ctx).Where("external_reference = ?", reference).First(&donation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &donation, nil
}

// UpdateProjection overwrites the gateway-owned columns in a single statement.
// A row already in succeeded is only rewritten by another succeeded projection;
// zero affected rows means a concurrent writer settled it first.
func (r *repository) UpdateProjection(ctx context.Context, donation *models.Donation) (int64, error) {
	if !donation.Status.IsValid() {
		return 0, fmt.Errorf("invalid donation status %q", donation.Status)
	}
	donation.UpdatedAt = time.Now().UTC()
	query := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ?", donation.ID)
	if donation.Status != enums.DonationStatusSucceeded {
		query = query.Where("status <> ?", enums.DonationStatusSucceeded)
	}
	res := query.Updates(map[string]any{
		"status":                    donation.Status,
		"external_charge_reference": donation.ExternalChargeReference,
		"payment_method_reference":  donation.PaymentMethodReference,
		"updated_at":                donation.UpdatedAt,
	})
	return res.RowsAffected, res.Error
}

func (r *repository) ListStale(ctx context.Context, statuses []enums.DonationStatus, updatedBefore time.Time, limit int) ([]models.Donation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var rows []models.Donation
	query := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where("updated_at < ?", updatedBefore).
		Order("updated_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

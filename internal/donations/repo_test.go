package donations

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

func newLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.Exec(`CREATE TABLE donations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_anonymous BOOLEAN NOT NULL DEFAULT false,
		external_reference TEXT NOT NULL,
		external_charge_reference TEXT,
		payment_method_reference TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME,
		updated_at DATETIME
	)`).Error)
	require.NoError(t, conn.Exec(`CREATE UNIQUE INDEX ux_donations_external_reference ON donations (external_reference)`).Error)
	require.NoError(t, conn.Exec(`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`).Error)
	require.NoError(t, conn.Exec(`CREATE UNIQUE INDEX ux_outbox_events_donation_succeeded
		ON outbox_events (aggregate_id) WHERE event_type = 'donation_succeeded'`).Error)
	return conn
}

func seedDonation(t *testing.T, conn *gorm.DB, reference string, status enums.DonationStatus) models.Donation {
	t.Helper()
	d := models.Donation{
		Amount:            decimal.RequireFromString("25.00"),
		Currency:          "usd",
		ExternalReference: reference,
		Status:            status,
	}
	require.NoError(t, NewRepository(conn).Create(context.Background(), &d))
	return d
}

func TestRepositoryCreateAndFind(t *testing.T) {
	conn := newLedgerDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	donor := uuid.New()

	d := models.Donation{
		UserID:            &donor,
		Amount:            decimal.RequireFromString("12.34"),
		Currency:          "usd",
		Description:       "spring drive",
		ExternalReference: "pi_abc",
		Status:            enums.DonationStatusPending,
	}
	require.NoError(t, repo.Create(ctx, &d))
	require.NotZero(t, d.ID)

	byRef, err := repo.FindByReference(ctx, "pi_abc")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, d.ID, byRef.ID)
	assert.True(t, byRef.Amount.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, donor, *byRef.UserID)
	assert.Equal(t, enums.DonationStatusPending, byRef.Status)

	byID, err := repo.FindByID(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "spring drive", byID.Description)

	missing, err := repo.FindByReference(ctx, "pi_unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepositoryRejectsDuplicateReference(t *testing.T) {
	conn := newLedgerDB(t)
	seedDonation(t, conn, "pi_abc", enums.DonationStatusPending)

	dup := models.Donation{
		Amount:            decimal.RequireFromString("1.00"),
		Currency:          "usd",
		ExternalReference: "pi_abc",
		Status:            enums.DonationStatusPending,
	}
	err := NewRepository(conn).Create(context.Background(), &dup)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, UniqueReferenceIndex))
}

func TestRepositoryUpdateProjectionNeverLeavesSucceeded(t *testing.T) {
	conn := newLedgerDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	d := seedDonation(t, conn, "pi_abc", enums.DonationStatusSucceeded)

	regress := d
	regress.Status = enums.DonationStatusFailed
	affected, err := repo.UpdateProjection(ctx, &regress)
	require.NoError(t, err)
	assert.Zero(t, affected)

	stored, err := repo.FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.DonationStatusSucceeded, stored.Status)

	charge := "ch_1"
	refresh := d
	refresh.ExternalChargeReference = &charge
	affected, err = repo.UpdateProjection(ctx, &refresh)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	stored, err = repo.FindByID(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalChargeReference)
	assert.Equal(t, "ch_1", *stored.ExternalChargeReference)
}

func TestRepositoryListStale(t *testing.T) {
	conn := newLedgerDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	old := seedDonation(t, conn, "pi_old", enums.DonationStatusProcessing)
	seedDonation(t, conn, "pi_done", enums.DonationStatusSucceeded)
	seedDonation(t, conn, "pi_fresh", enums.DonationStatusPending)

	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, conn.Model(&models.Donation{}).
		Where("external_reference IN ?", []string{"pi_old", "pi_done"}).
		UpdateColumn("updated_at", past).Error)

	rows, err := repo.ListStale(ctx, enums.NonTerminalDonationStatuses(), time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old.ID, rows[0].ID)

	rows, err = repo.ListStale(ctx, nil, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRepositoryUpdateProjectionRejectsUnknownStatus(t *testing.T) {
	conn := newLedgerDB(t)
	d := seedDonation(t, conn, "pi_abc", enums.DonationStatusPending)

	d.Status = enums.DonationStatus("refunded")
	_, err := NewRepository(conn).UpdateProjection(context.Background(), &d)
	require.Error(t, err)
}

package donations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
)

// Sources recorded on metrics, logs and outbox events.
const (
	SourceAPI       = "api"
	SourceConfirm   = "confirm"
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

const (
	metadataAnonymous = "donation_anonymous"
	metadataDonor     = "donor_id"
)

type claimGuard interface {
	Claim(ctx context.Context, reference, owner string) (bool, error)
	Release(ctx context.Context, reference, owner string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service reconciles gateway payment state with the donation ledger.
type Service interface {
	CreatePaymentIntent(ctx context.Context, input CreateDonationInput) (*CreateDonationResult, error)
	ConfirmPayment(ctx context.Context, externalReference string, paymentMethodRef *string) (Outcome, error)
	ApplyWebhookUpdate(ctx context.Context, update WebhookUpdate) (*models.Donation, error)
	GetDonationByReference(ctx context.Context, externalReference string) (*models.Donation, error)
	CancelPayment(ctx context.Context, externalReference string) (*models.Donation, error)
	ReconcileReference(ctx context.Context, externalReference string) (*models.Donation, error)
	StaleReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// WebhookUpdate is a gateway status push, already verified and decoded.
type WebhookUpdate struct {
	ExternalReference string
	Status            enums.DonationStatus
	ChargeReference   *string
}

// ServiceParams groups dependencies for the donation service.
type ServiceParams struct {
	Repo              Repository
	Gateway           Gateway
	Guard             claimGuard
	Gaps              GapRecorder
	Notifier          Notifier
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           *metrics.DonationMetrics
	Config            config.DonationsConfig
}

type service struct {
	repo     Repository
	gateway  Gateway
	guard    claimGuard
	gaps     GapRecorder
	notifier Notifier
	tx       txRunner
	logg     *logger.Logger
	metrics  *metrics.DonationMetrics
	rules    inputRules
	now      func() time.Time
}

// NewService builds a donation service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("donation repo required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Guard == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if params.Gaps == nil {
		return nil, fmt.Errorf("gap recorder required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	currencies := params.Config.SupportedCurrencies()
	if len(currencies) == 0 {
		return nil, fmt.Errorf("at least one donation currency required")
	}
	return &service{
		repo:     params.Repo,
		gateway:  params.Gateway,
		guard:    params.Guard,
		gaps:     params.Gaps,
		notifier: params.Notifier,
		tx:       params.TransactionRunner,
		logg:     params.Logger,
		metrics:  params.Metrics,
		rules:    newInputRules(currencies, params.Config.MaxDescriptionLength),
		now:      time.Now,
	}, nil
}

// CreatePaymentIntent opens a gateway intent and records a pending ledger row for it.
func (s *service) CreatePaymentIntent(ctx context.Context, input CreateDonationInput) (*CreateDonationResult, error) {
	input = s.rules.clean(input)
	if err := s.rules.validate(input); err != nil {
		return nil, err
	}
	if input.IsAnonymous {
		input.UserID = nil
	}

	snap, err := s.gateway.CreateIntent(ctx, CreateIntentInput{
		Amount:         input.Amount,
		Currency:       input.Currency,
		Description:    input.Description,
		Metadata:       intentMetadata(input),
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithReference(ctx, snap.Reference)

	owner := uuid.NewString()
	claimed, err := s.guard.Claim(ctx, snap.Reference, owner)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "reference claim unavailable, relying on ledger unique index")
		claimed = true
	}
	if !claimed {
		return s.existingResult(ctx, snap)
	}

	donation := Normalize(models.Donation{
		UserID:            input.UserID,
		Amount:            input.Amount,
		Currency:          input.Currency,
		Description:       input.Description,
		IsAnonymous:       input.IsAnonymous,
		ExternalReference: snap.Reference,
		Status:            enums.DonationStatusPending,
	})
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, &donation); err != nil {
			return err
		}
		s.notify(ctx, tx, string(enums.EventDonationCreated), func(sp *gorm.DB) error {
			return s.notifier.DonationCreated(ctx, sp, donation, SourceAPI)
		})
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err, UniqueReferenceIndex) {
			return s.existingResult(ctx, snap)
		}
		if relErr := s.guard.Release(ctx, snap.Reference, owner); relErr != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", relErr.Error()), "failed to release reference claim")
		}
		s.logg.Error(ctx, "failed to record donation for new payment intent", err)
		return nil, &PersistenceError{Op: "create", Reference: snap.Reference, Cause: err}
	}

	s.logg.Info(s.logg.WithDonationID(ctx, donation.ID), "donation created")
	return &CreateDonationResult{
		ClientSecret:      snap.ClientSecret,
		DonationID:        donation.ID,
		ExternalReference: donation.ExternalReference,
	}, nil
}

func (s *service) existingResult(ctx context.Context, snap *IntentSnapshot) (*CreateDonationResult, error) {
	existing, err := s.repo.FindByReference(ctx, snap.Reference)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Reference: snap.Reference, Cause: err}
	}
	if existing == nil {
		return nil, ErrCreateInProgress
	}
	s.logg.Info(s.logg.WithDonationID(ctx, existing.ID), "donation already recorded for payment reference")
	return &CreateDonationResult{
		ClientSecret:      snap.ClientSecret,
		DonationID:        existing.ID,
		ExternalReference: existing.ExternalReference,
	}, nil
}

// ConfirmPayment drives the gateway to a settled state and projects it onto the
// ledger. A ledger outage after the gateway has moved yields Unpersisted rather than an error.
func (s *service) ConfirmPayment(ctx context.Context, externalReference string, paymentMethodRef *string) (Outcome, error) {
	reference, err := validateReference(externalReference)
	if err != nil {
		return nil, err
	}
	paymentMethodRef = nonEmpty(paymentMethodRef)
	ctx = s.logg.WithReference(ctx, reference)

	snap, err := s.gateway.GetIntent(ctx, reference)
	if err != nil {
		return nil, err
	}

	current, lookupErr := s.repo.FindByReference(ctx, reference)
	if lookupErr == nil && current == nil {
		return nil, s.orphaned(ctx, reference, SourceConfirm)
	}

	snap, err = s.confirmAtGateway(ctx, reference, snap, paymentMethodRef)
	if err != nil {
		return nil, err
	}
	if snap.PaymentMethodReference == nil {
		snap.PaymentMethodReference = paymentMethodRef
	}

	if lookupErr != nil {
		record := synthesize(*snap)
		cause := &PersistenceError{Op: "lookup", Reference: reference, Cause: lookupErr}
		s.recordGap(ctx, reference, record.Status, ReasonLedgerUnavailable, cause)
		return Unpersisted{Donation: record, Reason: ReasonLedgerUnavailable, Cause: cause}, nil
	}

	stored := Normalize(*current)
	ctx = s.logg.WithDonationID(ctx, stored.ID)
	next := Project(stored, *snap)
	saved, err := s.persist(ctx, stored, next, SourceConfirm)
	if err != nil {
		cause := &PersistenceError{Op: "update", Reference: reference, Cause: err}
		s.recordGap(ctx, reference, next.Status, ReasonWriteFailed, cause)
		return Unpersisted{Donation: next, Reason: ReasonWriteFailed, Cause: cause}, nil
	}
	return Persisted{Donation: saved}, nil
}

// confirmAtGateway confirms intents that still need it. Intents that already
// left the confirmable states are returned as read.
func (s *service) confirmAtGateway(ctx context.Context, reference string, snap *IntentSnapshot, paymentMethodRef *string) (*IntentSnapshot, error) {
	switch snap.Status {
	case enums.DonationStatusSucceeded, enums.DonationStatusProcessing, enums.DonationStatusCanceled:
		return snap, nil
	}

	confirmed, err := s.gateway.ConfirmIntent(ctx, reference, paymentMethodRef)
	if err == nil {
		return confirmed, nil
	}
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) && gatewayErr.AlreadySucceeded {
		s.logg.Info(ctx, "payment already confirmed at gateway, adopting current state")
		return s.gateway.GetIntent(ctx, reference)
	}
	return nil, err
}

// ApplyWebhookUpdate projects a gateway push onto the ledger. Applying the same
// update any number of times leaves the row as after the first.
func (s *service) ApplyWebhookUpdate(ctx context.Context, update WebhookUpdate) (*models.Donation, error) {
	reference, err := validateReference(update.ExternalReference)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithReference(ctx, reference)

	current, err := s.repo.FindByReference(ctx, reference)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Reference: reference, Cause: err}
	}
	if current == nil {
		return nil, s.orphaned(ctx, reference, SourceWebhook)
	}
	stored := Normalize(*current)
	ctx = s.logg.WithDonationID(ctx, stored.ID)

	snap := IntentSnapshot{
		Reference:       reference,
		Status:          update.Status,
		ChargeReference: update.ChargeReference,
	}
	if inDoubt(stored.Status, update.Status) {
		fresh, err := s.gateway.GetIntent(ctx, reference)
		if err != nil {
			return nil, err
		}
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"stored_status":  stored.Status,
			"webhook_status": update.Status,
			"gateway_status": fresh.Status,
		}), "webhook would move ledger status backward, adopting gateway state")
		snap = *fresh
	}

	next := Project(stored, snap)
	saved, err := s.persist(ctx, stored, next, SourceWebhook)
	if err != nil {
		return nil, &PersistenceError{Op: "update", Reference: reference, Cause: err}
	}
	return &saved, nil
}

// inDoubt reports whether a webhook would move the ledger backward: out of a
// terminal non-success status, or to an earlier point in the lifecycle.
// Webhooks may arrive out of order, so the gateway is asked directly.
func inDoubt(stored, incoming enums.DonationStatus) bool {
	if incoming == "" {
		incoming = normalizeDefaults.Status
	}
	switch {
	case stored == enums.DonationStatusSucceeded:
		return false
	case stored.IsTerminal():
		return incoming != stored
	}
	return lifecycleRank(incoming) < lifecycleRank(stored)
}

// GetDonationByReference returns the normalized ledger row, or nil when none exists.
func (s *service) GetDonationByReference(ctx context.Context, externalReference string) (*models.Donation, error) {
	reference, err := validateReference(externalReference)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByReference(ctx, reference)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Reference: reference, Cause: err}
	}
	if current == nil {
		return nil, nil
	}
	donation := Normalize(*current)
	return &donation, nil
}

// CancelPayment cancels an unsettled intent. Succeeded donations cannot be canceled.
func (s *service) CancelPayment(ctx context.Context, externalReference string) (*models.Donation, error) {
	reference, err := validateReference(externalReference)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithReference(ctx, reference)

	current, err := s.repo.FindByReference(ctx, reference)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Reference: reference, Cause: err}
	}
	if current == nil {
		return nil, s.orphaned(ctx, reference, SourceAPI)
	}
	stored := Normalize(*current)
	switch stored.Status {
	case enums.DonationStatusSucceeded:
		return nil, &ValidationError{Field: "status", Message: "succeeded donations cannot be canceled"}
	case enums.DonationStatusCanceled:
		return &stored, nil
	}

	snap, err := s.gateway.CancelIntent(s.logg.WithDonationID(ctx, stored.ID), reference)
	if err != nil {
		return nil, err
	}
	saved, err := s.persist(s.logg.WithDonationID(ctx, stored.ID), stored, Project(stored, *snap), SourceAPI)
	if err != nil {
		return nil, &PersistenceError{Op: "update", Reference: reference, Cause: err}
	}
	return &saved, nil
}

// ReconcileReference re-reads the gateway and applies its state to the ledger.
func (s *service) ReconcileReference(ctx context.Context, externalReference string) (*models.Donation, error) {
	reference, err := validateReference(externalReference)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithReference(ctx, reference)

	snap, err := s.gateway.GetIntent(ctx, reference)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByReference(ctx, reference)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Reference: reference, Cause: err}
	}
	if current == nil {
		return nil, s.orphaned(ctx, reference, SourceReconcile)
	}
	stored := Normalize(*current)
	saved, err := s.persist(s.logg.WithDonationID(ctx, stored.ID), stored, Project(stored, *snap), SourceReconcile)
	if err != nil {
		return nil, &PersistenceError{Op: "update", Reference: reference, Cause: err}
	}
	return &saved, nil
}

// StaleReferences lists references of unsettled donations untouched for olderThan.
func (s *service) StaleReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := s.repo.ListStale(ctx, enums.NonTerminalDonationStatuses(), s.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list_stale", Cause: err}
	}
	refs := make([]string, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.ExternalReference)
	}
	return refs, nil
}

// persist writes next when it differs from stored. A conditional update that
// matches no row means a concurrent writer settled the donation first; the
// stored row is returned instead.
func (s *service) persist(ctx context.Context, stored, next models.Donation, source string) (models.Donation, error) {
	if !projectionChanged(stored, next) {
		return stored, nil
	}

	result := next
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		affected, err := repo.UpdateProjection(ctx, &result)
		if err != nil {
			return err
		}
		if affected == 0 {
			latest, err := repo.FindByID(ctx, stored.ID)
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("donation %d not found", stored.ID)
			}
			result = Normalize(*latest)
			return nil
		}
		s.notify(ctx, tx, string(enums.EventDonationStatusChanged), func(sp *gorm.DB) error {
			return s.notifier.StatusChanged(ctx, sp, stored.Status, result, source)
		})
		return nil
	})
	if err != nil {
		return models.Donation{}, err
	}

	if result.Status != stored.Status {
		s.metrics.IncTransition(source, result.Status.String())
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"previous_status": stored.Status,
			"status":          result.Status,
			"source":          source,
		}), "donation status updated")
	}
	return result, nil
}

// notify queues an event inside a savepoint so a failed insert never undoes the ledger write.
func (s *service) notify(ctx context.Context, tx *gorm.DB, event string, fn func(sp *gorm.DB) error) {
	if err := tx.Transaction(fn); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "event_type", event), "failed to queue donation event", err)
	}
}

func (s *service) orphaned(ctx context.Context, reference, source string) error {
	s.metrics.IncOrphaned(source)
	err := &OrphanedReferenceError{Reference: reference, Source: source}
	s.logg.Error(s.logg.WithField(ctx, "source", source), "gateway reference has no ledger row", err)
	return err
}

// recordGap makes an unpersisted gateway outcome visible to operators and the reconcile job.
func (s *service) recordGap(ctx context.Context, reference string, status enums.DonationStatus, reason UnpersistedReason, cause error) {
	s.metrics.IncUnpersisted(string(reason))
	ctx = s.logg.WithFields(ctx, map[string]any{
		"gateway_status": status,
		"reason":         reason,
	})
	s.logg.Error(ctx, "gateway outcome not persisted, reconciliation required", cause)
	if err := s.gaps.Record(ctx, reference); err != nil {
		s.logg.Error(ctx, "failed to record reconciliation gap", err)
	}
}

func intentMetadata(input CreateDonationInput) map[string]string {
	md := map[string]string{metadataAnonymous: strconv.FormatBool(input.IsAnonymous)}
	if input.UserID != nil {
		md[metadataDonor] = input.UserID.String()
	}
	return md
}

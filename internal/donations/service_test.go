package donations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
	"github.com/angelmondragon/packfinderz-donations/pkg/outbox"
)

type fakeGateway struct {
	mu            sync.Mutex
	intents       map[string]*IntentSnapshot
	byKey         map[string]string
	seq           int
	createErr     error
	getErr        error
	confirmErr    error
	confirmStatus enums.DonationStatus
	getCalls      int
	confirmCalls  int
	// settleOnConfirmErr marks the intent succeeded when confirmErr fires,
	// as if another client confirmed it first.
	settleOnConfirmErr bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:       map[string]*IntentSnapshot{},
		byKey:         map[string]string{},
		confirmStatus: enums.DonationStatusSucceeded,
	}
}

func (g *fakeGateway) put(snap IntentSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[snap.Reference] = &snap
}

func (g *fakeGateway) copyOf(ref string) *IntentSnapshot {
	snap := *g.intents[ref]
	return &snap
}

func (g *fakeGateway) CreateIntent(_ context.Context, input CreateIntentInput) (*IntentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	if ref, ok := g.byKey[input.IdempotencyKey]; ok && input.IdempotencyKey != "" {
		return g.copyOf(ref), nil
	}
	g.seq++
	ref := fmt.Sprintf("pi_%d", g.seq)
	g.intents[ref] = &IntentSnapshot{
		Reference:    ref,
		ClientSecret: ref + "_secret",
		Status:       enums.DonationStatusPending,
		Amount:       input.Amount,
		Currency:     input.Currency,
		Description:  input.Description,
		Metadata:     input.Metadata,
	}
	if input.IdempotencyKey != "" {
		g.byKey[input.IdempotencyKey] = ref
	}
	return g.copyOf(ref), nil
}

func (g *fakeGateway) GetIntent(_ context.Context, reference string) (*IntentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if g.getErr != nil {
		return nil, g.getErr
	}
	if _, ok := g.intents[reference]; !ok {
		return nil, &GatewayError{Op: opGetIntent, Message: "no such payment_intent"}
	}
	return g.copyOf(reference), nil
}

func (g *fakeGateway) ConfirmIntent(_ context.Context, reference string, paymentMethodRef *string) (*IntentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmCalls++
	if g.confirmErr != nil {
		if g.settleOnConfirmErr {
			g.intents[reference].Status = enums.DonationStatusSucceeded
		}
		return nil, g.confirmErr
	}
	snap := g.intents[reference]
	snap.Status = g.confirmStatus
	if paymentMethodRef != nil {
		pm := *paymentMethodRef
		snap.PaymentMethodReference = &pm
	}
	if snap.Status == enums.DonationStatusSucceeded {
		charge := "ch_" + reference
		snap.ChargeReference = &charge
	}
	return g.copyOf(reference), nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, reference string) (*IntentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.intents[reference]
	snap.Status = enums.DonationStatusCanceled
	return g.copyOf(reference), nil
}

type fakeGaps struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (f *fakeGaps) Record(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.refs = append(f.refs, reference)
	return nil
}

func (f *fakeGaps) Pending(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...), nil
}

func (f *fakeGaps) Clear(_ context.Context, references ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := map[string]bool{}
	for _, r := range references {
		drop[r] = true
	}
	kept := f.refs[:0]
	for _, r := range f.refs {
		if !drop[r] {
			kept = append(kept, r)
		}
	}
	f.refs = kept
	return nil
}

// flakyRepo injects ledger failures around the real repository.
type flakyRepo struct {
	Repository
	lookupErr error
	updateErr error
}

func (r *flakyRepo) WithTx(tx *gorm.DB) Repository {
	return &flakyRepo{Repository: r.Repository.WithTx(tx), lookupErr: r.lookupErr, updateErr: r.updateErr}
}

func (r *flakyRepo) FindByReference(ctx context.Context, reference string) (*models.Donation, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	return r.Repository.FindByReference(ctx, reference)
}

func (r *flakyRepo) UpdateProjection(ctx context.Context, donation *models.Donation) (int64, error) {
	if r.updateErr != nil {
		return 0, r.updateErr
	}
	return r.Repository.UpdateProjection(ctx, donation)
}

type failingNotifier struct{}

func (failingNotifier) DonationCreated(context.Context, *gorm.DB, models.Donation, string) error {
	return errors.New("outbox unavailable")
}

func (failingNotifier) StatusChanged(context.Context, *gorm.DB, enums.DonationStatus, models.Donation, string) error {
	return errors.New("outbox unavailable")
}

type harness struct {
	db      *gorm.DB
	svc     Service
	repo    *flakyRepo
	gateway *fakeGateway
	gaps    *fakeGaps
	claims  *memoryClaimStore
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, opts ...func(*ServiceParams)) *harness {
	t.Helper()
	conn := newLedgerDB(t)
	logg := logger.New(logger.Options{ServiceName: "donations-test", Output: io.Discard})
	claims := newMemoryClaimStore()
	guard, err := NewIdempotencyGuard(claims, time.Hour)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	h := &harness{
		db:      conn,
		repo:    &flakyRepo{Repository: NewRepository(conn)},
		gateway: newFakeGateway(),
		gaps:    &fakeGaps{},
		claims:  claims,
		reg:     prometheus.NewRegistry(),
	}
	params := ServiceParams{
		Repo:              h.repo,
		Gateway:           h.gateway,
		Guard:             guard,
		Gaps:              h.gaps,
		Notifier:          NewOutboxNotifier(outbox.NewService(outbox.NewRepository(conn), logg)),
		TransactionRunner: db.NewFromConn(conn),
		Logger:            logg,
		Metrics:           metrics.NewDonationMetrics(h.reg),
		Config:            config.DonationsConfig{Currencies: []string{"usd", "eur"}, MaxDescriptionLength: 50},
	}
	for _, opt := range opts {
		opt(&params)
	}
	svc, err := NewService(params)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) create(t *testing.T, key string) *CreateDonationResult {
	t.Helper()
	res, err := h.svc.CreatePaymentIntent(context.Background(), CreateDonationInput{
		Amount:         decimal.RequireFromString("25.00"),
		Currency:       "usd",
		Description:    "winter coats",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func (h *harness) stored(t *testing.T, reference string) models.Donation {
	t.Helper()
	var d models.Donation
	if err := h.db.Where("external_reference = ?", reference).First(&d).Error; err != nil {
		t.Fatalf("load %s: %v", reference, err)
	}
	return d
}

func (h *harness) countRows(t *testing.T, table, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.db.Table(table)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func (h *harness) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestCreatePaymentIntentRecordsPendingRow(t *testing.T) {
	h := newHarness(t)
	donor := uuid.New()
	res, err := h.svc.CreatePaymentIntent(context.Background(), CreateDonationInput{
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    " USD ",
		Description: "  winter coats ",
		UserID:      &donor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ClientSecret == "" || res.DonationID == 0 || res.ExternalReference == "" {
		t.Fatalf("incomplete result %+v", res)
	}

	d := h.stored(t, res.ExternalReference)
	if d.Status != enums.DonationStatusPending || d.Currency != "usd" || d.Description != "winter coats" {
		t.Fatalf("unexpected row %+v", d)
	}
	if d.UserID == nil || *d.UserID != donor {
		t.Fatalf("donor not stored")
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationCreated); n != 1 {
		t.Fatalf("expected one created event, got %d", n)
	}
}

func TestCreatePaymentIntentAnonymousDropsDonor(t *testing.T) {
	h := newHarness(t)
	donor := uuid.New()
	res, err := h.svc.CreatePaymentIntent(context.Background(), CreateDonationInput{
		Amount:      decimal.RequireFromString("5"),
		Currency:    "usd",
		IsAnonymous: true,
		UserID:      &donor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d := h.stored(t, res.ExternalReference)
	if !d.IsAnonymous || d.UserID != nil {
		t.Fatalf("anonymous donation kept donor: %+v", d)
	}
	if d.Description != "" {
		t.Fatalf("expected empty description, got %q", d.Description)
	}
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	h := newHarness(t)
	cases := []CreateDonationInput{
		{Amount: decimal.Zero, Currency: "usd"},
		{Amount: decimal.RequireFromString("-1"), Currency: "usd"},
		{Amount: decimal.RequireFromString("1.005"), Currency: "usd"},
		{Amount: decimal.RequireFromString("1"), Currency: ""},
		{Amount: decimal.RequireFromString("1"), Currency: "gbp"},
		{Amount: decimal.RequireFromString("1"), Currency: "usd", Description: string(make([]byte, 51))},
	}
	for i, in := range cases {
		_, err := h.svc.CreatePaymentIntent(context.Background(), in)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
	if h.gateway.seq != 0 {
		t.Fatalf("gateway called for invalid input")
	}
}

func TestCreatePaymentIntentIsIdempotentPerKey(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "key-1")
	second := h.create(t, "key-1")
	if first.DonationID != second.DonationID || first.ExternalReference != second.ExternalReference {
		t.Fatalf("retry produced a different donation: %+v vs %+v", first, second)
	}
	if n := h.countRows(t, "donations", ""); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
}

func TestCreatePaymentIntentFallsBackToUniqueIndex(t *testing.T) {
	h := newHarness(t)
	h.claims.err = errors.New("redis down")

	first := h.create(t, "key-1")
	second := h.create(t, "key-1")
	if first.DonationID != second.DonationID {
		t.Fatalf("expected existing donation on duplicate insert")
	}
	if n := h.countRows(t, "donations", ""); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
}

func TestCreatePaymentIntentConcurrentRetries(t *testing.T) {
	h := newHarness(t)
	const callers = 8

	var wg sync.WaitGroup
	ids := make(chan int64, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.CreatePaymentIntent(context.Background(), CreateDonationInput{
				Amount:         decimal.RequireFromString("10"),
				Currency:       "usd",
				IdempotencyKey: "same-key",
			})
			if err != nil {
				errs <- err
				return
			}
			ids <- res.DonationID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrCreateInProgress) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	var seen int64
	for id := range ids {
		if seen != 0 && id != seen {
			t.Fatalf("callers saw different donations %d and %d", seen, id)
		}
		seen = id
	}
	if n := h.countRows(t, "donations", ""); n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}
}

func TestCreatePaymentIntentGatewayFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = &GatewayError{Op: opCreateIntent, Message: "api down", Retryable: true}
	_, err := h.svc.CreatePaymentIntent(context.Background(), CreateDonationInput{
		Amount:   decimal.RequireFromString("10"),
		Currency: "usd",
	})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.Retryable {
		t.Fatalf("expected retryable gateway error, got %v", err)
	}
	if n := h.countRows(t, "donations", ""); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestConfirmPaymentPersistsSuccess(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	pm := "pm_card"

	outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, &pm)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	persisted, ok := outcome.(Persisted)
	if !ok {
		t.Fatalf("expected Persisted, got %T", outcome)
	}
	if persisted.Donation.Status != enums.DonationStatusSucceeded || persisted.Donation.ID != res.DonationID {
		t.Fatalf("unexpected donation %+v", persisted.Donation)
	}

	d := h.stored(t, res.ExternalReference)
	if d.Status != enums.DonationStatusSucceeded {
		t.Fatalf("ledger not updated: %q", d.Status)
	}
	if d.ExternalChargeReference == nil || d.PaymentMethodReference == nil || *d.PaymentMethodReference != "pm_card" {
		t.Fatalf("references not stored: %+v", d)
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationSucceeded); n != 1 {
		t.Fatalf("expected one succeeded event, got %d", n)
	}
	if got := h.counter(t, "donations_status_transitions_total", "source", SourceConfirm); got != 1 {
		t.Fatalf("expected one transition, got %v", got)
	}
}

func TestConfirmPaymentSkipsSettledIntent(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	snap := h.gateway.copyOf(res.ExternalReference)
	snap.Status = enums.DonationStatusSucceeded
	h.gateway.put(*snap)

	outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if h.gateway.confirmCalls != 0 {
		t.Fatalf("settled intent confirmed again")
	}
	if DonationOf(outcome).Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected succeeded outcome")
	}
}

func TestConfirmPaymentAlreadySucceededAtGateway(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	h.gateway.confirmErr = &GatewayError{Op: opConfirmIntent, Message: "unexpected state", AlreadySucceeded: true}
	h.gateway.settleOnConfirmErr = true

	outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if h.gateway.confirmCalls != 1 || h.gateway.getCalls != 2 {
		t.Fatalf("expected one confirm and a re-read, got confirm=%d get=%d", h.gateway.confirmCalls, h.gateway.getCalls)
	}
	persisted, ok := outcome.(Persisted)
	if !ok || persisted.Donation.Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected succeeded Persisted, got %#v", outcome)
	}
}

func TestConfirmPaymentDeclinedReturnsGatewayError(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	h.gateway.confirmErr = &GatewayError{Op: opConfirmIntent, Message: "card declined"}

	_, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Retryable {
		t.Fatalf("expected terminal gateway error, got %v", err)
	}
	if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusPending {
		t.Fatalf("ledger changed on declined confirm: %q", d.Status)
	}
}

func TestConfirmPaymentOrphanedReference(t *testing.T) {
	h := newHarness(t)
	h.gateway.put(IntentSnapshot{Reference: "pi_unknown", Status: enums.DonationStatusPending, Currency: "usd"})

	_, err := h.svc.ConfirmPayment(context.Background(), "pi_unknown", nil)
	var orphan *OrphanedReferenceError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanedReferenceError, got %v", err)
	}
	if h.gateway.confirmCalls != 0 {
		t.Fatalf("orphaned reference should not be confirmed")
	}
	if n := h.countRows(t, "donations", ""); n != 0 {
		t.Fatalf("orphan must not materialize a row")
	}
	if got := h.counter(t, "donations_orphaned_references_total", "source", SourceConfirm); got != 1 {
		t.Fatalf("expected orphan metric, got %v", got)
	}
}

func TestConfirmPaymentLedgerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.gateway.put(IntentSnapshot{
		Reference: "pi_abc",
		Status:    enums.DonationStatusPending,
		Amount:    decimal.RequireFromString("40.00"),
		Currency:  "usd",
		Metadata:  map[string]string{metadataAnonymous: "true"},
	})
	h.repo.lookupErr = errors.New("connection refused")

	outcome, err := h.svc.ConfirmPayment(context.Background(), "pi_abc", nil)
	if err != nil {
		t.Fatalf("ledger outage should not fail the confirm: %v", err)
	}
	unpersisted, ok := outcome.(Unpersisted)
	if !ok {
		t.Fatalf("expected Unpersisted, got %T", outcome)
	}
	if unpersisted.Reason != ReasonLedgerUnavailable {
		t.Fatalf("unexpected reason %q", unpersisted.Reason)
	}
	d := unpersisted.Donation
	if d.ID != 0 || d.Status != enums.DonationStatusSucceeded || !d.IsAnonymous || d.Description != "" {
		t.Fatalf("unexpected synthesized record %+v", d)
	}
	if h.gateway.confirmCalls != 1 {
		t.Fatalf("expected gateway confirm despite ledger outage")
	}
	if got := h.counter(t, "donations_unpersisted_total", "reason", string(ReasonLedgerUnavailable)); got != 1 {
		t.Fatalf("expected unpersisted metric, got %v", got)
	}
	if pending, _ := h.gaps.Pending(context.Background()); len(pending) != 1 || pending[0] != "pi_abc" {
		t.Fatalf("expected gap recorded, got %v", pending)
	}
}

func TestConfirmPaymentWriteFailure(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	h.repo.updateErr = errors.New("disk full")

	outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	if err != nil {
		t.Fatalf("write failure should not fail the confirm: %v", err)
	}
	unpersisted, ok := outcome.(Unpersisted)
	if !ok || unpersisted.Reason != ReasonWriteFailed {
		t.Fatalf("expected write_failed Unpersisted, got %#v", outcome)
	}
	if unpersisted.Donation.Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected gateway status in outcome")
	}
	if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusPending {
		t.Fatalf("ledger should be unchanged, got %q", d.Status)
	}
	if pending, _ := h.gaps.Pending(context.Background()); len(pending) != 1 {
		t.Fatalf("expected gap recorded")
	}
}

func TestConfirmPaymentRetryableGatewayError(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	h.gateway.getErr = &GatewayError{Op: opGetIntent, Message: "timeout", Retryable: true}

	_, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.Retryable {
		t.Fatalf("expected retryable gateway error, got %v", err)
	}
}

func TestApplyWebhookUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	charge := "ch_1"
	update := WebhookUpdate{ExternalReference: res.ExternalReference, Status: enums.DonationStatusSucceeded, ChargeReference: &charge}

	first, err := h.svc.ApplyWebhookUpdate(context.Background(), update)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i := 0; i < 4; i++ {
		again, err := h.svc.ApplyWebhookUpdate(context.Background(), update)
		if err != nil {
			t.Fatalf("apply #%d: %v", i+2, err)
		}
		if again.Status != first.Status || *again.ExternalChargeReference != *first.ExternalChargeReference {
			t.Fatalf("repeat changed state: %+v", again)
		}
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationSucceeded); n != 1 {
		t.Fatalf("expected one succeeded event, got %d", n)
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationStatusChanged); n != 1 {
		t.Fatalf("expected one status change event, got %d", n)
	}
	if got := h.counter(t, "donations_status_transitions_total", "source", SourceWebhook); got != 1 {
		t.Fatalf("expected one transition, got %v", got)
	}
}

func TestApplyWebhookUpdateNeverLeavesSucceeded(t *testing.T) {
	h := newHarness(t)
	seedDonation(t, h.db, "pi_abc", enums.DonationStatusSucceeded)

	got, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{ExternalReference: "pi_abc", Status: enums.DonationStatusFailed})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected succeeded to stick, got %q", got.Status)
	}
}

func TestApplyWebhookUpdateOrderIndependent(t *testing.T) {
	updates := []WebhookUpdate{
		{Status: enums.DonationStatusProcessing},
		{Status: enums.DonationStatusSucceeded},
		{Status: enums.DonationStatusPending},
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	for i, order := range orders {
		t.Run(fmt.Sprintf("order_%d", i), func(t *testing.T) {
			h := newHarness(t)
			seedDonation(t, h.db, "pi_abc", enums.DonationStatusPending)
			h.gateway.put(IntentSnapshot{Reference: "pi_abc", Status: enums.DonationStatusSucceeded})
			for _, idx := range order {
				u := updates[idx]
				u.ExternalReference = "pi_abc"
				if _, err := h.svc.ApplyWebhookUpdate(context.Background(), u); err != nil {
					t.Fatalf("order %v: %v", order, err)
				}
			}
			if d := h.stored(t, "pi_abc"); d.Status != enums.DonationStatusSucceeded {
				t.Fatalf("order %v ended in %q", order, d.Status)
			}
		})
	}
}

func TestApplyWebhookUpdateInDoubtAsksGateway(t *testing.T) {
	h := newHarness(t)
	seedDonation(t, h.db, "pi_abc", enums.DonationStatusFailed)
	charge := "ch_late"
	h.gateway.put(IntentSnapshot{Reference: "pi_abc", Status: enums.DonationStatusSucceeded, ChargeReference: &charge})

	got, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{ExternalReference: "pi_abc", Status: enums.DonationStatusProcessing})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.gateway.getCalls != 1 {
		t.Fatalf("expected gateway re-read, got %d calls", h.gateway.getCalls)
	}
	if got.Status != enums.DonationStatusSucceeded || got.ExternalChargeReference == nil {
		t.Fatalf("expected gateway state adopted, got %+v", got)
	}
}

func TestApplyWebhookUpdateStaleStatusAsksGateway(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmStatus = enums.DonationStatusProcessing
	res := h.create(t, "")
	if _, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusProcessing {
		t.Fatalf("expected processing after confirm, got %q", d.Status)
	}
	callsBefore := h.gateway.getCalls

	got, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{
		ExternalReference: res.ExternalReference,
		Status:            enums.DonationStatusRequiresAction,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.gateway.getCalls != callsBefore+1 {
		t.Fatalf("expected gateway re-read for stale webhook")
	}
	if got.Status != enums.DonationStatusProcessing {
		t.Fatalf("stale webhook moved status to %q", got.Status)
	}
	if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusProcessing {
		t.Fatalf("ledger moved backward to %q", d.Status)
	}
}

func TestApplyWebhookUpdateStaleStatusGatewayDown(t *testing.T) {
	h := newHarness(t)
	seedDonation(t, h.db, "pi_abc", enums.DonationStatusProcessing)
	h.gateway.getErr = &GatewayError{Op: opGetIntent, Message: "timeout", Retryable: true}

	_, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{ExternalReference: "pi_abc", Status: enums.DonationStatusPending})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.Retryable {
		t.Fatalf("expected retryable gateway error, got %v", err)
	}
	if d := h.stored(t, "pi_abc"); d.Status != enums.DonationStatusProcessing {
		t.Fatalf("ledger changed without gateway confirmation: %q", d.Status)
	}
}

func TestConfirmPaymentConcurrentCallsShareOneRow(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	const callers = 6

	var wg sync.WaitGroup
	errs := make(chan error, 2*callers)
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
			if err != nil {
				errs <- err
				return
			}
			if _, ok := outcome.(Persisted); !ok {
				errs <- fmt.Errorf("expected Persisted, got %T", outcome)
			}
		}()
		go func() {
			defer wg.Done()
			charge := "ch_" + res.ExternalReference
			_, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{
				ExternalReference: res.ExternalReference,
				Status:            enums.DonationStatusSucceeded,
				ChargeReference:   &charge,
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	if n := h.countRows(t, "donations", ""); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
	if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", d.Status)
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationSucceeded); n != 1 {
		t.Fatalf("expected one succeeded event, got %d", n)
	}
}

func TestConfirmAndWebhookOrderIndependent(t *testing.T) {
	failed := func(h *harness, reference string) error {
		_, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{
			ExternalReference: reference,
			Status:            enums.DonationStatusFailed,
		})
		return err
	}
	confirm := func(h *harness, reference string) error {
		_, err := h.svc.ConfirmPayment(context.Background(), reference, nil)
		return err
	}
	cases := map[string][]func(*harness, string) error{
		"confirm_then_failed_webhook": {confirm, failed},
		"failed_webhook_then_confirm": {failed, confirm},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			res := h.create(t, "")
			for i, step := range steps {
				if err := step(h, res.ExternalReference); err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
			}
			if d := h.stored(t, res.ExternalReference); d.Status != enums.DonationStatusSucceeded {
				t.Fatalf("expected succeeded, got %q", d.Status)
			}
		})
	}
}

func TestCreateConfirmThenDuplicateWebhookLeavesRow(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	pending := h.stored(t, res.ExternalReference)
	if pending.Status != enums.DonationStatusPending {
		t.Fatalf("expected pending after create, got %q", pending.Status)
	}

	outcome, err := h.svc.ConfirmPayment(context.Background(), res.ExternalReference, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	confirmed := DonationOf(outcome)
	if confirmed.Status != enums.DonationStatusSucceeded || confirmed.ExternalChargeReference == nil {
		t.Fatalf("unexpected confirmed donation %+v", confirmed)
	}
	before := h.stored(t, res.ExternalReference)

	charge := *confirmed.ExternalChargeReference
	if _, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{
		ExternalReference: res.ExternalReference,
		Status:            enums.DonationStatusSucceeded,
		ChargeReference:   &charge,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	after := h.stored(t, res.ExternalReference)
	if after.Status != before.Status || *after.ExternalChargeReference != *before.ExternalChargeReference {
		t.Fatalf("duplicate webhook changed row: %+v -> %+v", before, after)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("duplicate webhook rewrote the row")
	}
	if n := h.countRows(t, "outbox_events", "event_type = ?", enums.EventDonationSucceeded); n != 1 {
		t.Fatalf("expected one succeeded event, got %d", n)
	}
}

func TestApplyWebhookUpdateOrphan(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{ExternalReference: "pi_unknown", Status: enums.DonationStatusSucceeded})
	var orphan *OrphanedReferenceError
	if !errors.As(err, &orphan) || orphan.Reference != "pi_unknown" {
		t.Fatalf("expected orphan error, got %v", err)
	}
	if n := h.countRows(t, "donations", ""); n != 0 {
		t.Fatalf("orphan webhook must not create a row")
	}
	if got := h.counter(t, "donations_orphaned_references_total", "source", SourceWebhook); got != 1 {
		t.Fatalf("expected orphan metric, got %v", got)
	}
}

func TestApplyWebhookUpdateNotificationFailureKeepsLedgerWrite(t *testing.T) {
	h := newHarness(t, func(p *ServiceParams) { p.Notifier = failingNotifier{} })
	seedDonation(t, h.db, "pi_abc", enums.DonationStatusPending)

	got, err := h.svc.ApplyWebhookUpdate(context.Background(), WebhookUpdate{ExternalReference: "pi_abc", Status: enums.DonationStatusSucceeded})
	if err != nil {
		t.Fatalf("notification failure should not fail the update: %v", err)
	}
	if got.Status != enums.DonationStatusSucceeded {
		t.Fatalf("unexpected status %q", got.Status)
	}
	if d := h.stored(t, "pi_abc"); d.Status != enums.DonationStatusSucceeded {
		t.Fatalf("ledger write rolled back with notification")
	}
}

func TestGetDonationByReferenceNormalizes(t *testing.T) {
	h := newHarness(t)
	seedDonation(t, h.db, "pi_abc", enums.DonationStatusPending)
	if err := h.db.Exec(`UPDATE donations SET status = '' WHERE external_reference = ?`, "pi_abc").Error; err != nil {
		t.Fatalf("blank status: %v", err)
	}

	got, err := h.svc.GetDonationByReference(context.Background(), "pi_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != enums.DonationStatusSucceeded || got.Description != "" {
		t.Fatalf("expected defaults, got %+v", got)
	}

	missing, err := h.svc.GetDonationByReference(context.Background(), "pi_unknown")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown reference, got %+v %v", missing, err)
	}

	h.repo.lookupErr = errors.New("connection refused")
	_, err = h.svc.GetDonationByReference(context.Background(), "pi_abc")
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestCancelPayment(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")

	got, err := h.svc.CancelPayment(context.Background(), res.ExternalReference)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != enums.DonationStatusCanceled {
		t.Fatalf("expected canceled, got %q", got.Status)
	}

	seedDonation(t, h.db, "pi_paid", enums.DonationStatusSucceeded)
	_, err = h.svc.CancelPayment(context.Background(), "pi_paid")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for succeeded donation, got %v", err)
	}
}

func TestReconcileReferenceAdoptsGatewayState(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")
	snap := h.gateway.copyOf(res.ExternalReference)
	snap.Status = enums.DonationStatusSucceeded
	h.gateway.put(*snap)

	got, err := h.svc.ReconcileReference(context.Background(), res.ExternalReference)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != enums.DonationStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", got.Status)
	}
	if got := h.counter(t, "donations_status_transitions_total", "source", SourceReconcile); got != 1 {
		t.Fatalf("expected reconcile transition, got %v", got)
	}
}

func TestStaleReferences(t *testing.T) {
	h := newHarness(t)
	seedDonation(t, h.db, "pi_stuck", enums.DonationStatusProcessing)
	seedDonation(t, h.db, "pi_done", enums.DonationStatusSucceeded)
	if err := h.db.Exec(`UPDATE donations SET updated_at = ?`, time.Now().UTC().Add(-3*time.Hour)).Error; err != nil {
		t.Fatalf("age rows: %v", err)
	}

	refs, err := h.svc.StaleReferences(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(refs) != 1 || refs[0] != "pi_stuck" {
		t.Fatalf("unexpected stale refs %v", refs)
	}
}

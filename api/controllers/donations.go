package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-donations/api/middleware"
	"github.com/angelmondragon/packfinderz-donations/api/responses"
	"github.com/angelmondragon/packfinderz-donations/api/validators"
	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-donations/pkg/errors"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
)

type createDonationRequest struct {
	Amount      string `json:"amount" validate:"required,decimal"`
	Currency    string `json:"currency" validate:"required"`
	Description string `json:"description"`
	IsAnonymous bool   `json:"is_anonymous"`
}

type confirmDonationRequest struct {
	PaymentMethod *string `json:"payment_method,omitempty"`
}

type createDonationResponse struct {
	DonationID        int64  `json:"donation_id"`
	ExternalReference string `json:"external_reference"`
	ClientSecret      string `json:"client_secret"`
}

type donationResponse struct {
	ID                      int64      `json:"id"`
	ExternalReference       string     `json:"external_reference"`
	Amount                  string     `json:"amount"`
	Currency                string     `json:"currency"`
	Description             string     `json:"description"`
	IsAnonymous             bool       `json:"is_anonymous"`
	DonorID                 *uuid.UUID `json:"donor_id,omitempty"`
	Status                  string     `json:"status"`
	ExternalChargeReference *string    `json:"external_charge_reference,omitempty"`
	CreatedAt               *time.Time `json:"created_at,omitempty"`
	UpdatedAt               *time.Time `json:"updated_at,omitempty"`
}

type confirmDonationResponse struct {
	Donation          donationResponse `json:"donation"`
	Persisted         bool             `json:"persisted"`
	UnpersistedReason string           `json:"unpersisted_reason,omitempty"`
}

// CreateDonation opens a payment intent for the caller and returns its client secret.
func CreateDonation(svc donations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "donation service unavailable"))
			return
		}

		var payload createDonationRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid amount").
				WithDetails(map[string]string{"amount": "must be a decimal number"}))
			return
		}

		result, err := svc.CreatePaymentIntent(r.Context(), donations.CreateDonationInput{
			Amount:         amount,
			Currency:       payload.Currency,
			Description:    payload.Description,
			IsAnonymous:    payload.IsAnonymous,
			UserID:         middleware.DonorIDFromContext(r.Context()),
			IdempotencyKey: middleware.IdempotencyKeyFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, donations.ToAPIError(err))
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, createDonationResponse{
			DonationID:        result.DonationID,
			ExternalReference: result.ExternalReference,
			ClientSecret:      result.ClientSecret,
		})
	}
}

// ConfirmDonation settles the intent at the gateway. A gateway-confirmed payment the
// ledger could not record is reported with 202 and persisted=false.
func ConfirmDonation(svc donations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "donation service unavailable"))
			return
		}

		var payload confirmDonationRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		outcome, err := svc.ConfirmPayment(r.Context(), chi.URLParam(r, "reference"), payload.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, donations.ToAPIError(err))
			return
		}

		switch o := outcome.(type) {
		case donations.Unpersisted:
			responses.WriteSuccessStatus(w, http.StatusAccepted, confirmDonationResponse{
				Donation:          newDonationResponse(o.Donation),
				UnpersistedReason: string(o.Reason),
			})
		default:
			responses.WriteSuccess(w, confirmDonationResponse{
				Donation:  newDonationResponse(donations.DonationOf(outcome)),
				Persisted: true,
			})
		}
	}
}

// GetDonation returns the ledger's view of a donation.
func GetDonation(svc donations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "donation service unavailable"))
			return
		}

		donation, err := svc.GetDonationByReference(r.Context(), chi.URLParam(r, "reference"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, donations.ToAPIError(err))
			return
		}
		if donation == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "donation not found"))
			return
		}
		responses.WriteSuccess(w, newDonationResponse(*donation))
	}
}

// CancelDonation abandons an unsettled donation.
func CancelDonation(svc donations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "donation service unavailable"))
			return
		}

		donation, err := svc.CancelPayment(r.Context(), chi.URLParam(r, "reference"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, donations.ToAPIError(err))
			return
		}
		responses.WriteSuccess(w, newDonationResponse(*donation))
	}
}

func newDonationResponse(d models.Donation) donationResponse {
	resp := donationResponse{
		ID:                      d.ID,
		ExternalReference:       d.ExternalReference,
		Amount:                  d.Amount.StringFixed(2),
		Currency:                d.Currency,
		Description:             d.Description,
		IsAnonymous:             d.IsAnonymous,
		Status:                  string(d.Status),
		ExternalChargeReference: d.ExternalChargeReference,
	}
	if !d.IsAnonymous {
		resp.DonorID = d.UserID
	}
	if !d.CreatedAt.IsZero() {
		created := d.CreatedAt.UTC()
		resp.CreatedAt = &created
	}
	if !d.UpdatedAt.IsZero() {
		updated := d.UpdatedAt.UTC()
		resp.UpdatedAt = &updated
	}
	return resp
}

package donations

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultMaxDescriptionLength = 500

// CreateDonationInput is what a caller supplies to start a donation.
// UserID must come from an authenticated principal, never from free text.
type CreateDonationInput struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IsAnonymous    bool
	UserID         *uuid.UUID
	IdempotencyKey string
}

// CreateDonationResult is returned to the caller's payment UI.
type CreateDonationResult struct {
	ClientSecret      string
	DonationID        int64
	ExternalReference string
}

type inputRules struct {
	currencies     map[string]struct{}
	maxDescription int
}

func newInputRules(currencies []string, maxDescription int) inputRules {
	set := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	if maxDescription <= 0 {
		maxDescription = defaultMaxDescriptionLength
	}
	return inputRules{currencies: set, maxDescription: maxDescription}
}

func (r inputRules) clean(in CreateDonationInput) CreateDonationInput {
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	in.Description = strings.TrimSpace(in.Description)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.UserID != nil && *in.UserID == uuid.Nil {
		in.UserID = nil
	}
	return in
}

func (r inputRules) validate(in CreateDonationInput) error {
	if !in.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		return &ValidationError{Field: "amount", Message: "must have at most two decimal places"}
	}
	if in.Currency == "" {
		return &ValidationError{Field: "currency", Message: "is required"}
	}
	if _, ok := r.currencies[in.Currency]; !ok {
		return &ValidationError{Field: "currency", Message: fmt.Sprintf("%q is not supported", in.Currency)}
	}
	if utf8.RuneCountInString(in.Description) > r.maxDescription {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", r.maxDescription)}
	}
	return nil
}

func validateReference(reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", &ValidationError{Field: "external_reference", Message: "is required"}
	}
	return reference, nil
}

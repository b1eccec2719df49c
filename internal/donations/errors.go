package donations

import (
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/packfinderz-donations/pkg/errors"
)

// ValidationError rejects caller input before any gateway call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// GatewayError reports a payment gateway failure. AlreadySucceeded marks a
// confirm against an intent that already settled; the engine treats it as success.
type GatewayError struct {
	Op               string
	Message          string
	Retryable        bool
	AlreadySucceeded bool
	Cause            error
}

func (e *GatewayError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("gateway %s failed (%s): %s", e.Op, kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// OrphanedReferenceError means the gateway knows a reference the ledger never recorded.
type OrphanedReferenceError struct {
	Reference string
	Source    string
}

func (e *OrphanedReferenceError) Error() string {
	return fmt.Sprintf("no ledger row for gateway reference %q (%s)", e.Reference, e.Source)
}

// PersistenceError means the ledger could not be read or written.
type PersistenceError struct {
	Op        string
	Reference string
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s for %q: %v", e.Op, e.Reference, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// ErrCreateInProgress is returned when another request holds the claim for a
// reference whose ledger row has not been written yet.
var ErrCreateInProgress = errors.New("donation creation already in progress for this payment")

// ToAPIError maps domain errors onto the shared HTTP error codes.
func ToAPIError(err error) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		apiErr := pkgerrors.New(pkgerrors.CodeValidation, validationErr.Error())
		if validationErr.Field != "" {
			apiErr = apiErr.WithDetails(map[string]string{validationErr.Field: validationErr.Message})
		}
		return apiErr
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		if gatewayErr.Retryable {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway unavailable")
		}
		return pkgerrors.Wrap(pkgerrors.CodePaymentDeclined, err, gatewayErr.Message).
			WithDetails(map[string]string{"operation": gatewayErr.Op})
	}

	var orphanErr *OrphanedReferenceError
	if errors.As(err, &orphanErr) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "donation not found for payment reference")
	}

	var persistenceErr *PersistenceError
	if errors.As(err, &persistenceErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "donation ledger unavailable")
	}

	if errors.Is(err, ErrCreateInProgress) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, ErrCreateInProgress.Error())
	}

	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected donation error")
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticity         = errors.New("signature_invalid")
	ErrSignatureMissing     = fmt.Errorf("%w: signature_missing", ErrAuthenticity)
	ErrMissingConfiguration = errors.New("missing_configuration")
	ErrSubjectUnresolved    = errors.New("subject_unresolved")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrInvalidSession       = errors.New("invalid_session_id")
	ErrUnresolvedNotFound   = errors.New("unresolved_payment_not_found")
	ErrAlreadyResolved      = errors.New("unresolved_payment_already_resolved")
	ErrSimulationDisabled   = errors.New("simulation_disabled")
)

// MissingConfigurationError names the absent setting without its value.
type MissingConfigurationError struct {
	Setting string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing_configuration: %s", e.Setting)
}

func (e *MissingConfigurationError) Unwrap() error {
	return ErrMissingConfiguration
}

// UpstreamVerificationError carries the processor's own status string.
type UpstreamVerificationError struct {
	Status string
	Err    error
}

func (e *UpstreamVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment_not_completed: %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("payment_not_completed: %s", e.Status)
}

func (e *UpstreamVerificationError) Unwrap() error {
	return e.Err
}

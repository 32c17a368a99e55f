package core

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateGeneration indicates a live audio already exists for the page and voice.
	ErrDuplicateGeneration = errors.New("voice is already used for this page")
	// ErrQuotaExceeded indicates the requester holds the maximum audios for the page.
	ErrQuotaExceeded = errors.New("audio quota for this page reached")
	// ErrFeatureDisabled indicates audio generation is switched off.
	ErrFeatureDisabled = errors.New("audio generation is disabled")
	// ErrUnsupportedVoice indicates that the provided voice is not supported.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrInvalidTransition indicates a state change that the record's current state forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrForbidden indicates the actor may not act on the record.
	ErrForbidden = errors.New("forbidden")
)

package calendar

import "errors"

var (
	// ErrRuleNotFound means the owner has no active rule; callers treat it as no availability.
	ErrRuleNotFound = errors.New("calendar: no active availability rule")

	// ErrNoAssignableUser is returned when no owner is configured at all.
	ErrNoAssignableUser = errors.New("calendar: no assignable user")

	// ErrNoAvailableUser is returned when every candidate owner is busy.
	ErrNoAvailableUser = errors.New("calendar: no available user")

	// ErrSlotNoLongerAvailable is returned when a concurrent booking won the slot.
	ErrSlotNoLongerAvailable = errors.New("calendar: slot no longer available")

	// ErrProviderUnauthorized means token refresh failed or consent was revoked.
	ErrProviderUnauthorized = errors.New("calendar: provider unauthorized")

	// ErrProviderRateLimited means the external API asked us to back off.
	ErrProviderRateLimited = errors.New("calendar: provider rate limited")

	// ErrSyncCursorInvalid means the stored sync token was rejected.
	ErrSyncCursorInvalid = errors.New("calendar: sync cursor invalid")

	// ErrPersistence wraps opaque store failures.
	ErrPersistence = errors.New("calendar: persistence error")

	ErrEventNotFound    = errors.New("calendar: event not found")
	ErrProviderNotFound = errors.New("calendar: provider not found")
	ErrOwnerNotFound    = errors.New("calendar: owner not found")
	ErrAgentNotFound    = errors.New("calendar: agent not found")
	ErrInvalidTimezone  = errors.New("calendar: invalid timezone")
	ErrInvalidInterval  = errors.New("calendar: invalid interval")
)

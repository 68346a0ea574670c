package gcal

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// classify maps Google API failures onto the calendar error taxonomy while
// keeping the original error in the chain.
func classify(op string, err error) error {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return fmt.Errorf("gcal: %s: %w", op, err)
	}
	switch {
	case gErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("gcal: %s: %w: %w", op, calendar.ErrProviderUnauthorized, err)
	case gErr.Code == http.StatusGone:
		return fmt.Errorf("gcal: %s: %w: %w", op, calendar.ErrSyncCursorInvalid, err)
	case gErr.Code == http.StatusTooManyRequests, gErr.Code == http.StatusForbidden && rateLimited(gErr):
		return fmt.Errorf("gcal: %s: %w: %w", op, calendar.ErrProviderRateLimited, err)
	case gErr.Code == http.StatusNotFound:
		return fmt.Errorf("gcal: %s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("gcal: %s: %w", op, err)
}

func rateLimited(gErr *googleapi.Error) bool {
	for _, item := range gErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

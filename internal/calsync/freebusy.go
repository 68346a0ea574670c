package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// FreeBusySource reports busy time straight from an owner's external
// calendar, covering events not yet pulled in by sync.
type FreeBusySource struct {
	providers calendar.ProviderStore
	clients   Connector
}

func NewFreeBusySource(providers calendar.ProviderStore, clients Connector) *FreeBusySource {
	return &FreeBusySource{providers: providers, clients: clients}
}

// Busy returns nothing when the owner has no connected provider.
func (s *FreeBusySource) Busy(ctx context.Context, ownerID string, from, to time.Time) ([]calendar.Period, error) {
	p, err := s.providers.ConnectedProviderForOwner(ctx, ownerID)
	if errors.Is(err, calendar.ErrProviderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	client, err := s.clients.ForProvider(ctx, &p)
	if err != nil {
		return nil, err
	}
	return client.FreeBusy(ctx, p.CalendarID, from, to)
}

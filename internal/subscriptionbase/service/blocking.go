package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

type blockingKey struct {
	blockedID snowflake.ID
	kind      string
	service   string
}

// CheckBlockedChange fails when the latest active state of any service on the
// subscription, its bundle or its account blocks plan changes at the instant.
func (s *Service) CheckBlockedChange(ctx context.Context, sub domain.Subscription, at time.Time) error {
	rows, err := s.repo.ListActiveBlockingRows(ctx, s.db, []snowflake.ID{sub.ID, sub.BundleID, sub.AccountID}, at.UTC())
	if err != nil {
		return err
	}

	// rows are ordered by effective date so the last write per key wins
	latest := make(map[blockingKey]domain.BlockingRow, len(rows))
	for _, row := range rows {
		latest[blockingKey{blockedID: row.BlockedID, kind: row.Type, service: row.Service}] = row
	}
	for key, row := range latest {
		if row.BlockChange {
			return domain.NewError(domain.ErrBlockedChange, "change blocked by %s state %s on %s %s", key.service, row.StateName, key.kind, key.blockedID)
		}
	}
	return nil
}

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/eventbus"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const blockingStateScope = "entitlement"

type BlockingStateStore struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	publisher eventbus.Publisher
	metrics   *metrics.EntitlementMetrics
	otel      *metrics.Metrics
}

type StoreParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Publisher eventbus.Publisher          `optional:"true"`
	Metrics   *metrics.EntitlementMetrics `optional:"true"`
	Otel      *metrics.Metrics            `optional:"true"`
}

func NewBlockingStateStore(p StoreParam) *BlockingStateStore {
	publisher := p.Publisher
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher()
	}
	return &BlockingStateStore{
		db:        p.DB,
		log:       p.Log.Named("entitlement.blocking_store"),
		genID:     p.GenID,
		clock:     p.Clock,
		publisher: publisher,
		metrics:   p.Metrics,
		otel:      p.Otel,
	}
}

// Commit inserts the batch in one transaction. Publishing happens after the
// commit and its failure does not undo the write.
func (s *BlockingStateStore) Commit(ctx context.Context, states []domain.BlockingState, bundleID snowflake.ID) error {
	return s.Supersede(ctx, nil, states, bundleID)
}

// Supersede deactivates the superseded rows and inserts the batch in the same
// transaction. Every superseded row must still be active.
func (s *BlockingStateStore) Supersede(ctx context.Context, superseded []snowflake.ID, states []domain.BlockingState, bundleID snowflake.ID) error {
	if len(superseded) == 0 && len(states) == 0 {
		return nil
	}

	now := s.clock.Now().UTC()
	rows := make([]domain.BlockingState, len(states))
	for i, state := range states {
		if state.ID == 0 {
			state.ID = s.genID.Generate()
		}
		state.EffectiveDate = state.EffectiveDate.UTC()
		state.CreatedAt = now
		state.UpdatedAt = now
		rows[i] = state
	}

	var deactivated []domain.BlockingState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.applyTenant(ctx, tx); err != nil {
			return err
		}
		for _, id := range superseded {
			row, err := deactivate(tx, id, now)
			if err != nil {
				return err
			}
			deactivated = append(deactivated, row)
		}
		for _, row := range rows {
			if err := tx.Exec(
				`INSERT INTO blocking_states (
					id, blocked_id, type, state_name, service,
					block_entitlement, block_billing, block_change,
					effective_date, is_active, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				row.ID,
				row.BlockedID,
				row.Type,
				row.StateName,
				row.Service,
				row.BlockEntitlement,
				row.BlockBilling,
				row.BlockChange,
				row.EffectiveDate,
				row.IsActive,
				row.CreatedAt,
				row.UpdatedAt,
			).Error; err != nil {
				return errors.Wrapf(err, "insert blocking state for %s", row.BlockedID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.AddBlockingStatesCommitted(blockingStateScope, len(rows))
	for _, row := range deactivated {
		s.publish(ctx, row, bundleID)
	}
	for _, row := range rows {
		s.publish(ctx, row, bundleID)
	}
	return nil
}

// Deactivate flips active rows off in one transaction. Rows are never deleted.
func (s *BlockingStateStore) Deactivate(ctx context.Context, ids ...snowflake.ID) error {
	return s.Supersede(ctx, ids, nil, 0)
}

func deactivate(tx *gorm.DB, id snowflake.ID, now time.Time) (domain.BlockingState, error) {
	var row domain.BlockingState
	if err := tx.Where("id = ? AND is_active = ?", id, true).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BlockingState{}, errors.Wrapf(domain.ErrBlockingStateNotFound, "active blocking state %s", id)
		}
		return domain.BlockingState{}, err
	}
	result := tx.Exec(
		`UPDATE blocking_states SET is_active = ?, updated_at = ? WHERE id = ? AND is_active = ?`,
		false,
		now,
		id,
		true,
	)
	if result.Error != nil {
		return domain.BlockingState{}, result.Error
	}
	if result.RowsAffected == 0 {
		return domain.BlockingState{}, errors.Wrapf(domain.ErrBlockingStateNotFound, "active blocking state %s", id)
	}
	row.IsActive = false
	row.UpdatedAt = now
	return row, nil
}

// listActiveByBlockedIDs returns active rows of the given service ordered by
// effective date, oldest first.
func listActiveByBlockedIDs(ctx context.Context, db *gorm.DB, blockedIDs []snowflake.ID, service string) ([]domain.BlockingState, error) {
	if len(blockedIDs) == 0 {
		return nil, nil
	}
	var rows []domain.BlockingState
	err := db.WithContext(ctx).
		Where("blocked_id IN ? AND service = ? AND is_active = ?", blockedIDs, service, true).
		Order("effective_date ASC, created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *BlockingStateStore) applyTenant(ctx context.Context, tx *gorm.DB) error {
	if !db.IsPostgres(tx) {
		return nil
	}
	orgID := strings.TrimSpace(obscontext.OrgIDFromContext(ctx))
	if orgID == "" {
		return nil
	}
	parsed, err := snowflake.ParseString(orgID)
	if err != nil {
		return errors.Wrapf(err, "parse org id %q", orgID)
	}
	return rls.WithOrg(tx, parsed)
}

func (s *BlockingStateStore) publish(ctx context.Context, row domain.BlockingState, bundleID snowflake.ID) {
	transition := eventbus.BlockingTransition{
		BlockingStateID:  row.ID.String(),
		BlockedID:        row.BlockedID.String(),
		Type:             string(row.Type),
		StateName:        row.StateName,
		Service:          row.Service,
		BlockEntitlement: row.BlockEntitlement,
		BlockBilling:     row.BlockBilling,
		BlockChange:      row.BlockChange,
		EffectiveDate:    row.EffectiveDate,
		IsActive:         row.IsActive,
	}
	if bundleID != 0 {
		transition.BundleID = bundleID.String()
	}

	event, err := eventbus.NewEvent(ctx, eventbus.BlockingTransitionTopic, transition, s.clock.Now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.log.Warn("failed to publish blocking transition",
			zap.String("blocking_state_id", row.ID.String()),
			zap.String("blocked_id", row.BlockedID.String()),
			zap.Error(err),
		)
		return
	}
	if s.otel != nil {
		s.otel.RecordBlockingTransitionPublished(ctx, row.StateName)
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingFlow stores flow under its state until its TTL plus the flow
// retention period has passed.
func (s *Store) SavePendingFlow(ctx context.Context, flow *storage.PendingFlow) (err error) {
	ctx, done := s.track(ctx, "save_pending_flow")
	defer func() { done(err) }()

	if flow == nil || flow.State == "" {
		return fmt.Errorf("%w: pending flow requires a state", storage.ErrInvalidRecord)
	}
	if err = validateStringLength(flow.State, MaxIDLength, "state"); err != nil {
		return err
	}

	ttl := s.ttlUntil(flow.ExpiresAt.Add(s.retention()))
	if ttl <= 0 {
		return fmt.Errorf("%w: pending flow already expired", storage.ErrInvalidRecord)
	}

	key := s.flowKey(flow.State)
	value, err := s.seal(ctx, key, flow)
	if err != nil {
		return err
	}
	if err = s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending flow: %w", err)
	}

	s.log().Debug("Saved pending flow", "state_prefix", util.SafeTruncate(flow.State, stateLogLength))
	return nil
}

// ConsumePendingFlow atomically removes and returns the flow for state.
// GETDEL guarantees at most one caller receives a given flow.
func (s *Store) ConsumePendingFlow(ctx context.Context, state string) (flow *storage.PendingFlow, err error) {
	ctx, done := s.track(ctx, "consume_pending_flow")
	defer func() { done(err) }()

	if state == "" || len(state) > MaxIDLength {
		return nil, storage.ErrPendingFlowNotFound
	}

	key := s.flowKey(state)
	value, err := s.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrPendingFlowNotFound
		}
		return nil, fmt.Errorf("failed to consume pending flow: %w", err)
	}

	flow = &storage.PendingFlow{}
	if err = s.open(ctx, key, value, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

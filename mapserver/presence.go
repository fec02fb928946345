package mapserver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix   = "mapsync:presence:"
	operationChanPrefix = "mapsync:ops:"

	// Actors without a presence refresh within this window are considered
	// gone and pruned from the roster.
	presenceTTL = 90 * time.Second
)

// PresenceRegistry tracks which actors are active on each map and carries
// the cross-node operation fanout. Both live on one Redis client so a
// multi-node deployment shares a single view of the world.
type PresenceRegistry struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPresenceRegistry connects to Redis and verifies the connection.
func NewPresenceRegistry(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*PresenceRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logger.Info("Connected to redis", zap.String("addr", addr))
	return &PresenceRegistry{client: client, logger: logger}, nil
}

func (p *PresenceRegistry) presenceKey(mapID string) string {
	return presenceKeyPrefix + mapID
}

// Join records an actor as active on a map, scored by the current time so
// stale entries can be pruned.
func (p *PresenceRegistry) Join(ctx context.Context, mapID, actorID string) error {
	err := p.client.ZAdd(ctx, p.presenceKey(mapID), &redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: actorID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

// Refresh re-scores an actor's presence entry, keeping it alive.
func (p *PresenceRegistry) Refresh(ctx context.Context, mapID, actorID string) error {
	return p.Join(ctx, mapID, actorID)
}

// Leave removes an actor from a map's roster.
func (p *PresenceRegistry) Leave(ctx context.Context, mapID, actorID string) error {
	if err := p.client.ZRem(ctx, p.presenceKey(mapID), actorID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// ActiveActors prunes expired entries and returns the actors currently
// active on a map.
func (p *PresenceRegistry) ActiveActors(ctx context.Context, mapID string) ([]string, error) {
	key := p.presenceKey(mapID)
	cutoff := time.Now().Add(-presenceTTL).UnixMilli()

	if err := p.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune presence: %w", err)
	}

	actors, err := p.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	return actors, nil
}

// PublishOperation relays one committed operation to peer nodes serving the
// same map.
func (p *PresenceRegistry) PublishOperation(ctx context.Context, mapID string, data []byte) error {
	if err := p.client.Publish(ctx, operationChanPrefix+mapID, data).Err(); err != nil {
		return fmt.Errorf("failed to publish operation: %w", err)
	}
	return nil
}

// SubscribeOperations delivers peer-node operations for one map to the
// handler until the returned stop function is called. The handler runs on
// the subscription goroutine.
func (p *PresenceRegistry) SubscribeOperations(ctx context.Context, mapID string, handler func(data []byte)) (func(), error) {
	sub := p.client.Subscribe(ctx, operationChanPrefix+mapID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to operation channel: %w", err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	p.logger.Info("Subscribed to operation fanout", zap.String("map_id", mapID))
	return func() {
		if err := sub.Close(); err != nil {
			p.logger.Warn("Failed to close subscription",
				zap.String("map_id", mapID),
				zap.Error(err))
		}
	}, nil
}

// Close releases the Redis client.
func (p *PresenceRegistry) Close() error {
	return p.client.Close()
}

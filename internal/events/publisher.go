// Package events fans membership and part changes out over Redis pub/sub so
// the notification service can deliver them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "hatim:"
	publishTimeout = 5 * time.Second
)

// Type names an event.
type Type string

const (
	JoinRequestSubmitted Type = "join_request.submitted"
	JoinRequestApproved  Type = "join_request.approved"
	JoinRequestRejected  Type = "join_request.rejected"
	PartAssigned         Type = "part.assigned"
	PartCompleted        Type = "part.completed"
	PartReleased         Type = "part.released"
	PartDeleted          Type = "part.deleted"
	HatimStatusChanged   Type = "hatim.status_changed"
)

// Event is a change to a single hatim.
type Event struct {
	Type    Type       `json:"event"`
	HatimID uuid.UUID  `json:"hatim_id"`
	ActorID uuid.UUID  `json:"actor_id"`
	UserID  *uuid.UUID `json:"user_id,omitempty"`
	PartID  *uuid.UUID `json:"part_id,omitempty"`
	Juz     int        `json:"juz,omitempty"`
	Status  string     `json:"status,omitempty"`
	At      int64      `json:"at"`
}

// Channel is the Redis channel events of hatimID are published on.
func Channel(hatimID uuid.UUID) string {
	return channelPrefix + hatimID.String()
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes events to the per-hatim Redis channel.
type RedisPublisher struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client redis.UniversalClient, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish marshals e and publishes it. A zero At is stamped with the current time.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.At == 0 {
		e.At = time.Now().Unix()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, Channel(e.HatimID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	p.logger.Debug("event published", zap.String("event", string(e.Type)), zap.String("hatim_id", e.HatimID.String()))
	return nil
}

// Package redis keeps table seats in Redis sets so that several relay
// replicas can share one seat budget per table.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/storage"
	"github.com/redis/go-redis/v9"
)

const (
	defaultSeatTTL = 24 * time.Hour
	keyPrefix      = "table:"
	keySuffix      = ":seats"
)

// takeSeat adds the peer to the table's seat set unless the set is already full.
// Returns 1 when the peer holds a seat afterwards, 0 when the table is full.
var takeSeat = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

type Config struct {
	Addr     string
	Password string
	DB       int
	SeatTTL  time.Duration
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	ttl := cfg.SeatTTL
	if ttl == 0 {
		ttl = defaultSeatTTL
	}
	return &Store{
		client: client,
		ttl:    ttl,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func seatsKey(tableID string) string {
	return keyPrefix + tableID + keySuffix
}

func (s *Store) TakeSeat(ctx context.Context, tableID string, peerID string) (*model.Table, error) {
	ok, err := takeSeat.Run(ctx, s.client,
		[]string{seatsKey(tableID)},
		peerID, model.MaxSeats, int(s.ttl.Seconds())).Int()
	if err != nil {
		return nil, fmt.Errorf("take seat: %w", err)
	}
	if ok == 0 {
		return nil, storage.ErrTableIsFull
	}
	return s.GetTable(ctx, tableID)
}

func (s *Store) ReleaseSeat(ctx context.Context, tableID string, peerID string) error {
	removed, err := s.client.SRem(ctx, seatsKey(tableID), peerID).Result()
	if err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	if removed == 0 {
		return storage.ErrTableNotFound
	}
	return nil
}

func (s *Store) GetTable(ctx context.Context, tableID string) (*model.Table, error) {
	members, err := s.client.SMembers(ctx, seatsKey(tableID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get table: %w", err)
	}
	if len(members) == 0 {
		return nil, storage.ErrTableNotFound
	}
	table := &model.Table{
		ID:    tableID,
		Seats: make(map[string]model.Seat, len(members)),
	}
	for _, peerID := range members {
		table.Seats[peerID] = model.Seat{PeerID: peerID}
	}
	return table, nil
}

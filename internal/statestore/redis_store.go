package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardguard/internal/txn"
)

// Keys for one card share the {cardID} hash tag so that a transaction
// touching the lookup record, a ledger row and the ledger index stays within
// one cluster slot.
func redisCardKey(cardID string) string { return "card:{" + cardID + "}" }

func redisLedgerKey(cardID, rowKey string) string { return "ledger:{" + cardID + "}:" + rowKey }

// redisLedgerIndexKey is a sorted set of row keys scored by processed-at.
func redisLedgerIndexKey(cardID string) string { return "card_ledger:{" + cardID + "}" }

// redisTransient lists server reply prefixes that signal a node which is
// temporarily unable to serve.
var redisTransient = map[string]bool{
	"LOADING":     true,
	"CLUSTERDOWN": true,
	"TRYAGAIN":    true,
	"MASTERDOWN":  true,
	"READONLY":    true,
}

// RedisStore keeps lookup records and ledger rows as Redis hashes. It accepts
// a UniversalClient so a single node, sentinel, or cluster deployment works.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) GetCardState(ctx context.Context, cardID string) (CardState, error) {
	fields, err := s.client.HGetAll(ctx, redisCardKey(cardID)).Result()
	if err != nil {
		return CardState{}, classifyRedis("get card state", err)
	}
	if len(fields) == 0 {
		return CardState{}, nil
	}
	return DecodeCardState(fields)
}

// PutCardState replaces the hash atomically so stale position fields never
// survive a write that omits them.
func (s *RedisStore) PutCardState(ctx context.Context, cardID string, state CardState) error {
	key := redisCardKey(cardID)
	fields := EncodeCardState(state)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		return classifyRedis("put card state", err)
	}
	return nil
}

// AppendTransaction writes each field with HSETNX so an existing row is never
// overwritten, and indexes the row under its card.
func (s *RedisStore) AppendTransaction(ctx context.Context, row *txn.Scored) error {
	key := redisLedgerKey(row.Event.CardID, row.Key)
	fields := EncodeScored(row)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range fields {
			pipe.HSetNX(ctx, key, k, v)
		}
		pipe.ZAddNX(ctx, redisLedgerIndexKey(row.Event.CardID), redis.Z{
			Score:  float64(row.ProcessedAt.UnixNano()),
			Member: row.Key,
		})
		return nil
	})
	if err != nil {
		return classifyRedis("append transaction", err)
	}
	return nil
}

// ListTransactions returns the most recent ledger rows for a card.
func (s *RedisStore) ListTransactions(ctx context.Context, cardID string, limit int) ([]*txn.Scored, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := s.client.ZRevRange(ctx, redisLedgerIndexKey(cardID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classifyRedis("list transactions", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, redisLedgerKey(cardID, k))
		}
		return nil
	})
	if err != nil {
		return nil, classifyRedis("list transactions", err)
	}

	result := make([]*txn.Scored, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		row, err := DecodeScored(keys[i], fields)
		if err != nil {
			continue
		}
		result = append(result, row)
	}
	return result, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// classifyRedis treats server replies as permanent failures unless they
// announce a transient cluster condition. Network errors, timeouts and
// cancellations are ErrUnavailable.
func classifyRedis(op string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && !errors.Is(err, redis.Nil) {
		prefix, _, _ := strings.Cut(rerr.Error(), " ")
		if redisTransient[prefix] {
			return unavailable(op, err)
		}
		return fmt.Errorf("statestore: %s: %w", op, err)
	}
	return unavailable(op, err)
}

// Package redis provides Redis-backed ledger and reservation stores for creditgate.
//
// Balances live in one hash per account. Every mutation is a Lua script, so
// the version check and the write happen atomically inside Redis. This makes
// the stores safe for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
)

const defaultRetention = 7 * 24 * time.Hour

type options struct {
	keyPrefix string
	retention time.Duration
}

// Option configures Ledger and Reservations.
type Option func(*options)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithRetention sets how long settled reservations are kept (default 7 days).
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "creditgate:", retention: defaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Ledger is a Redis-backed LedgerStore.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ creditgate.LedgerStore = (*Ledger)(nil)

// NewLedger creates a Redis-backed ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewLedger(client goredis.Cmdable, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{client: client, keyPrefix: o.keyPrefix}
}

// Reservations is a Redis-backed ReservationStore. Open reservations are
// indexed in a sorted set scored by creation time; settled ones expire after
// the retention period.
type Reservations struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var _ creditgate.ReservationStore = (*Reservations)(nil)

// NewReservations creates a Redis-backed reservation store.
func NewReservations(client goredis.Cmdable, opts ...Option) *Reservations {
	o := buildOptions(opts)
	return &Reservations{client: client, keyPrefix: o.keyPrefix, retention: o.retention}
}

func (s *Ledger) accountKey(accountID string) string {
	return s.keyPrefix + "ledger:" + accountID
}

func (s *Reservations) reservationKey(id string) string {
	return s.keyPrefix + "res:" + id
}

// openKey is the sorted set of Reserved reservation IDs scored by creation time.
func (s *Reservations) openKey() string {
	return s.keyPrefix + "res:open"
}

// createScript creates an account hash unless it exists.
// KEYS[1] = account hash key
// ARGV[1] = initial balance
// ARGV[2] = now (unix millis)
//
// Returns {balance, version, updated_at}.
var createScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "balance", ARGV[1], "version", 1, "updated_at", ARGV[2])
end
local v = redis.call("HMGET", key, "balance", "version", "updated_at")
return {tonumber(v[1]), tonumber(v[2]), tonumber(v[3])}
`)

// casScript sets the balance if the version matches.
// KEYS[1] = account hash key
// ARGV[1] = expected version
// ARGV[2] = new balance
// ARGV[3] = now (unix millis)
//
// Returns:
//
//	{1, balance, version, updated_at} = swapped
//	{0}  = version conflict
//	{-1} = account not found
var casScript = goredis.NewScript(`
local key = KEYS[1]
local version = redis.call("HGET", key, "version")
if not version then
    return {-1}
end
if tonumber(version) ~= tonumber(ARGV[1]) then
    return {0}
end
local next_version = tonumber(version) + 1
redis.call("HSET", key, "balance", ARGV[2], "version", next_version, "updated_at", ARGV[3])
return {1, tonumber(ARGV[2]), next_version, tonumber(ARGV[3])}
`)

// Get returns the record for an account.
func (s *Ledger) Get(ctx context.Context, accountID string) (creditgate.QuotaRecord, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(accountID), "balance", "version", "updated_at").Result()
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: get: %w", err)
	}
	if vals[0] == nil {
		return creditgate.QuotaRecord{}, creditgate.ErrNotFound
	}

	balance, err := parseInt(vals[0])
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: get: balance: %w", err)
	}
	version, err := parseInt(vals[1])
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: get: version: %w", err)
	}
	updated, _ := parseInt(vals[2])

	return creditgate.QuotaRecord{
		AccountID: accountID,
		Balance:   balance,
		Version:   version,
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// Create stores a new record, or returns the existing one.
func (s *Ledger) Create(ctx context.Context, accountID string, initialBalance int64) (creditgate.QuotaRecord, error) {
	if initialBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}
	vals, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		initialBalance, time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: create: %w", err)
	}
	if len(vals) != 3 {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: create: unexpected result %v", vals)
	}
	return creditgate.QuotaRecord{
		AccountID: accountID,
		Balance:   vals[0],
		Version:   vals[1],
		UpdatedAt: time.UnixMilli(vals[2]).UTC(),
	}, nil
}

// CompareAndSwap sets the balance if the version still matches.
func (s *Ledger) CompareAndSwap(ctx context.Context, accountID string, expectedVersion, newBalance int64) (creditgate.QuotaRecord, error) {
	if newBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}
	vals, err := casScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		expectedVersion, newBalance, time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: compare and swap: %w", err)
	}

	switch {
	case len(vals) == 4 && vals[0] == 1:
		return creditgate.QuotaRecord{
			AccountID: accountID,
			Balance:   vals[1],
			Version:   vals[2],
			UpdatedAt: time.UnixMilli(vals[3]).UTC(),
		}, nil
	case len(vals) == 1 && vals[0] == 0:
		return creditgate.QuotaRecord{}, creditgate.ErrVersionConflict
	case len(vals) == 1 && vals[0] == -1:
		return creditgate.QuotaRecord{}, creditgate.ErrNotFound
	default:
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/redis: unexpected compare and swap result: %v", vals)
	}
}

// insertScript stores a reservation hash and indexes it as open.
// KEYS[1] = reservation hash key
// KEYS[2] = open index key
// ARGV = id, account_id, kind, amount, state, created_at (unix millis)
//
// Returns 1 on insert, 0 if the reservation exists.
var insertScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    return 0
end
redis.call("HSET", key, "id", ARGV[1], "account_id", ARGV[2], "kind", ARGV[3],
    "amount", ARGV[4], "state", ARGV[5], "created_at", ARGV[6], "settled_at", 0)
if ARGV[5] == "reserved" then
    redis.call("ZADD", KEYS[2], tonumber(ARGV[6]), ARGV[1])
end
return 1
`)

// transitionScript moves a reservation between states.
// KEYS[1] = reservation hash key
// KEYS[2] = open index key
// ARGV[1] = from state
// ARGV[2] = to state
// ARGV[3] = settled_at (unix millis)
// ARGV[4] = retention seconds applied once the reservation leaves "reserved"
//
// Returns:
//
//	1  = transitioned
//	0  = state conflict
//	-1 = not found
var transitionScript = goredis.NewScript(`
local key = KEYS[1]
local state = redis.call("HGET", key, "state")
if not state then
    return -1
end
if state ~= ARGV[1] then
    return 0
end
local id = redis.call("HGET", key, "id")
redis.call("HSET", key, "state", ARGV[2], "settled_at", ARGV[3])
if ARGV[2] == "reserved" then
    redis.call("PERSIST", key)
    redis.call("ZADD", KEYS[2], tonumber(redis.call("HGET", key, "created_at")), id)
else
    redis.call("ZREM", KEYS[2], id)
    redis.call("EXPIRE", key, tonumber(ARGV[4]))
end
return 1
`)

// Insert stores a new reservation.
func (s *Reservations) Insert(ctx context.Context, res creditgate.Reservation) error {
	ok, err := insertScript.Run(ctx, s.client,
		[]string{s.reservationKey(res.ID), s.openKey()},
		res.ID, res.AccountID, string(res.Kind), res.Amount, string(res.State), res.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: insert reservation: %w", err)
	}
	if ok == 0 {
		return creditgate.ErrDuplicateReservation
	}
	return nil
}

// Get returns a reservation by ID.
func (s *Reservations) Get(ctx context.Context, id string) (creditgate.Reservation, error) {
	return s.getReservation(ctx, id)
}

func (s *Reservations) getReservation(ctx context.Context, id string) (creditgate.Reservation, error) {
	vals, err := s.client.HGetAll(ctx, s.reservationKey(id)).Result()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: get reservation: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	return decodeReservation(vals)
}

// Transition moves a reservation between states if it is currently in from.
func (s *Reservations) Transition(ctx context.Context, id string, from, to creditgate.ReservationState, at time.Time) (creditgate.Reservation, error) {
	var settled int64
	if !at.IsZero() {
		settled = at.UnixMilli()
	}
	code, err := transitionScript.Run(ctx, s.client,
		[]string{s.reservationKey(id), s.openKey()},
		string(from), string(to), settled, int64(s.retention/time.Second),
	).Int64()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: transition: %w", err)
	}

	switch code {
	case -1:
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	case 0, 1:
		res, err := s.getReservation(ctx, id)
		if err != nil {
			return creditgate.Reservation{}, err
		}
		if code == 0 {
			return res, creditgate.ErrStateConflict
		}
		return res, nil
	default:
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: unexpected transition result: %d", code)
	}
}

// ListStale returns the oldest Reserved reservations created before olderThan.
func (s *Reservations) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]creditgate.Reservation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.openKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: list stale: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.reservationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("creditgate/redis: list stale: %w", err)
	}

	stale := make([]creditgate.Reservation, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		res, err := decodeReservation(vals)
		if err != nil {
			return nil, err
		}
		if res.State == creditgate.StateReserved {
			stale = append(stale, res)
		}
	}
	return stale, nil
}

func decodeReservation(vals map[string]string) (creditgate.Reservation, error) {
	amount, err := strconv.ParseInt(vals["amount"], 10, 64)
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: decode reservation amount: %w", err)
	}
	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	settled, _ := strconv.ParseInt(vals["settled_at"], 10, 64)

	res := creditgate.Reservation{
		ID:        vals["id"],
		AccountID: vals["account_id"],
		Kind:      creditgate.AccountKind(vals["kind"]),
		Amount:    amount,
		State:     creditgate.ReservationState(vals["state"]),
		CreatedAt: time.UnixMilli(created).UTC(),
	}
	if settled > 0 {
		res.SettledAt = time.UnixMilli(settled).UTC()
	}
	return res, nil
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}

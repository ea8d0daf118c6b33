// Package bus provides the optional Redis mirror used as a durable copy of
// accounts and sessions. The hub is authoritative; the mirror exists so a
// restarted instance that lost its snapshot files can rehydrate.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
)

const (
	accountsHash  = "accounts"
	usernamesHash = "usernames"
	sessionPrefix = "sessions:"
)

// Service handles all interaction with the Redis mirror.
// A nil *Service is valid and means single-instance mode with file snapshots only.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection guarded by a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis mirror", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewServiceFromClient wraps an existing client (used by tests with miniredis).
func NewServiceFromClient(client *redis.Client) *Service {
	return &Service{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis"}),
	}
}

// execute runs op through the breaker; an open breaker degrades to a no-op so
// mirror outages never fail the calling mutation.
func (s *Service) execute(what string, op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping mirror op", "op", what)
			return nil, nil
		}
		slog.Error("Redis mirror operation failed", "op", what, "error", err)
		return nil, err
	}
	return res, nil
}

// MirrorAccount writes one account record (JSON) into the accounts namespace.
func (s *Service) MirrorAccount(ctx context.Context, accountID string, record []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	_, err := s.execute("mirror_account", func() (any, error) {
		return nil, s.client.HSet(ctx, accountsHash, accountID, record).Err()
	})
	return err
}

// MirrorUsername writes the lowercase username → account_id secondary index entry.
func (s *Service) MirrorUsername(ctx context.Context, username, accountID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("mirror_username", func() (any, error) {
		return nil, s.client.HSet(ctx, usernamesHash, username, accountID).Err()
	})
	return err
}

// MirrorSession writes one session record with a TTL equal to its remaining validity.
func (s *Service) MirrorSession(ctx context.Context, token string, record []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if ttl <= 0 {
		return s.DropSession(ctx, token)
	}
	_, err := s.execute("mirror_session", func() (any, error) {
		return nil, s.client.Set(ctx, sessionPrefix+token, record, ttl).Err()
	})
	return err
}

// DropSession removes a revoked session from the mirror.
func (s *Service) DropSession(ctx context.Context, token string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("drop_session", func() (any, error) {
		return nil, s.client.Del(ctx, sessionPrefix+token).Err()
	})
	return err
}

// LoadAccounts returns every mirrored account record. Used at boot when the
// snapshot file is missing.
func (s *Service) LoadAccounts(ctx context.Context) ([][]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute("load_accounts", func() (any, error) {
		return s.client.HGetAll(ctx, accountsHash).Result()
	})
	if err != nil || res == nil {
		return nil, err
	}

	all := res.(map[string]string)
	records := make([][]byte, 0, len(all))
	for _, raw := range all {
		records = append(records, []byte(raw))
	}
	return records, nil
}

// LoadSessions returns every live mirrored session record.
func (s *Service) LoadSessions(ctx context.Context) ([][]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	var records [][]byte
	_, err := s.execute("load_sessions", func() (any, error) {
		iter := s.client.Scan(ctx, 0, sessionPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			raw, err := s.client.Get(ctx, iter.Val()).Bytes()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, err
			}
			records = append(records, raw)
		}
		return nil, iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

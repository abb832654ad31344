package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ops-orchestrator/internal/adapter/httpserver"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BrokerPinger is the minimal broker surface needed for readiness.
type BrokerPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the readiness probes for /readyz: the
// database, the broker, and Redis. A nil dependency reports unconfigured.
func BuildReadinessChecks(pool Pinger, broker BrokerPinger, rdb redis.UniversalClient) []httpserver.ReadyCheck {
	checks := []httpserver.ReadyCheck{
		{Name: "db", Check: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("db not configured")
			}
			return pool.Ping(ctx)
		}},
		{Name: "broker", Check: func(ctx context.Context) error {
			if broker == nil {
				return fmt.Errorf("broker not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return broker.Ping(ctx)
		}},
		{Name: "redis", Check: func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		}},
	}
	return checks
}

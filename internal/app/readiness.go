package app

import (
	"context"
	"fmt"
)

// Pinger is the slice of a connection pool the readiness probe needs.
type Pinger interface{ Ping(ctx context.Context) error }

// BrokerHealth reports whether the AMQP connection is currently usable.
type BrokerHealth interface{ Healthy() bool }

// BuildReadinessChecks returns the db, kv and broker checks for /readyz.
func BuildReadinessChecks(pool Pinger, kv Pinger, broker BrokerHealth) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	kvCheck := func(ctx context.Context) error {
		if kv == nil {
			return fmt.Errorf("kv not configured")
		}
		return kv.Ping(ctx)
	}
	brokerCheck := func(_ context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		if !broker.Healthy() {
			return fmt.Errorf("amqp connection down")
		}
		return nil
	}
	return dbCheck, kvCheck, brokerCheck
}

package redis

import (
	"crypto/tls"

	redis "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr       string
	Username   string
	Password   string
	DB         int
	TLSEnabled bool
}

// NewClient returns a configured Redis client shared by every subsystem
// this service leans on the same Redis deployment for: the delivery
// stream, the idempotency claim set, the rate limiter's token buckets, and
// the circuit-broken lock manager. ClientName is set so CLIENT LIST on a
// Redis instance shared with other applications shows which connections
// belong to this one.
func NewClient(cfg Config) *redis.Client {
	options := &redis.Options{
		Addr:       cfg.Addr,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: "wa-delivery",
	}
	if cfg.TLSEnabled {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(options)
}

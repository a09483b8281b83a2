// Package broadcast propagates rule and plugin cache invalidations between
// engine instances over Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"notifier/internal/config"
	"notifier/internal/types"
)

var (
	ErrRedisNotReady      = errors.New("redis did not become ready within the given time period")
	ErrEmptyConnectionURL = errors.New("empty redis connection URL")
	ErrInvalidURL         = errors.New("failed to parse redis connection URL")
)

// Connect parses cfg.URL and pings until the server answers, up to
// cfg.RetryAttempts times.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.URL.IsSet() {
		return nil, ErrEmptyConnectionURL
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

// Healthcheck returns a probe for the health endpoint.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Target is a tenant-scoped cache. engine.RuleCache and plugins.Resolver
// implement it.
type Target interface {
	Invalidate(tenant string)
	InvalidateAll()
}

// PubSub is the subset of the go-redis client used here.
type PubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Invalidator clears local caches and tells other instances to do the same.
// With a nil client it only clears local caches.
type Invalidator struct {
	client  PubSub
	channel string
	origin  string
	targets []Target
	logger  types.Logger
}

// NewInvalidator creates an Invalidator. origin identifies this instance so
// it can skip its own messages.
func NewInvalidator(client PubSub, channel, origin string, logger types.Logger, targets ...Target) *Invalidator {
	return &Invalidator{
		client:  client,
		channel: channel,
		origin:  origin,
		targets: targets,
		logger:  logger,
	}
}

// InvalidateTenant clears the caches of tenant locally and broadcasts the
// invalidation. Local caches are cleared even when the broadcast fails.
func (i *Invalidator) InvalidateTenant(ctx context.Context, tenant string) error {
	i.apply(tenant)
	if i.client == nil {
		return nil
	}

	body, err := json.Marshal(types.InvalidationMessage{Tenant: tenant, Origin: i.origin})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode invalidation message", err)
	}
	if err := i.client.Publish(ctx, i.channel, body).Err(); err != nil {
		i.logger.Error("failed to broadcast cache invalidation", "tenant", tenant, "error", err)
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to broadcast cache invalidation", err)
	}
	return nil
}

// Run subscribes to the invalidation channel and applies messages from
// other instances until ctx is done. Every (re)subscription clears all local
// caches, since messages published while unsubscribed are lost.
func (i *Invalidator) Run(ctx context.Context) error {
	if i.client == nil {
		<-ctx.Done()
		return nil
	}
	sub := i.client.Subscribe(ctx, i.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to subscribe to invalidation channel", err)
	}
	i.logger.Info("listening for cache invalidations", "channel", i.channel)
	i.resync()
	i.consume(ctx, sub.ChannelWithSubscriptions())
	return nil
}

func (i *Invalidator) consume(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			switch msg := v.(type) {
			case *redis.Message:
				i.handle(msg.Payload)
			case *redis.Subscription:
				if msg.Kind == "subscribe" {
					i.logger.Warn("resubscribed to invalidation channel, clearing caches", "channel", msg.Channel)
					i.resync()
				}
			}
		}
	}
}

func (i *Invalidator) resync() {
	for _, t := range i.targets {
		t.InvalidateAll()
	}
}

func (i *Invalidator) handle(payload string) {
	var msg types.InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Tenant == "" {
		i.logger.Warn("ignoring malformed invalidation message", "payload", payload)
		return
	}
	if msg.Origin == i.origin {
		return
	}
	i.logger.Info("cache invalidated by peer", "tenant", msg.Tenant, "origin", msg.Origin)
	i.apply(msg.Tenant)
}

func (i *Invalidator) apply(tenant string) {
	for _, t := range i.targets {
		t.Invalidate(tenant)
	}
}

// Package introspect publishes read-only membrane snapshots to Redis so
// external tooling can inspect healing counters and monitor regimes
// without attaching to the process.
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
)

var ErrNoSnapshot = errors.New("introspect: no snapshot published")

// publishScript stores the latest snapshot, appends it to a capped
// history list and announces it, atomically.
// KEYS[1] = latest key, KEYS[2] = history key
// ARGV[1] = snapshot JSON, ARGV[2] = ttl (ms), ARGV[3] = history length,
// ARGV[4] = channel
var publishScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("LPUSH", KEYS[2], ARGV[1])
redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[3]) - 1)
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return redis.call("PUBLISH", ARGV[4], ARGV[1])
`)

// Source yields snapshots. *membrane.Membrane satisfies it.
type Source interface {
	Snapshot() membrane.Snapshot
}

// Options tunes a Publisher. Zero values take the defaults.
type Options struct {
	Prefix  string        // default "membrane"
	TTL     time.Duration // default 1m
	History int64         // default 60
	Logger  *slog.Logger
}

// Publisher writes snapshots of one membrane under
// <prefix>:<id>:latest and <prefix>:<id>:history, and announces each on
// <prefix>:snapshots.
type Publisher struct {
	client  redis.UniversalClient
	src     Source
	prefix  string
	ttl     time.Duration
	history int64
	logger  *slog.Logger
}

// NewClient builds a client the way the CLI configures it.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewPublisher creates a publisher for src.
func NewPublisher(client redis.UniversalClient, src Source, opts Options) *Publisher {
	if opts.Prefix == "" {
		opts.Prefix = "membrane"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.History <= 0 {
		opts.History = 60
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "introspect")
	}
	return &Publisher{
		client:  client,
		src:     src,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		history: opts.History,
		logger:  opts.Logger,
	}
}

// Channel is the pub/sub channel snapshots are announced on.
func (p *Publisher) Channel() string { return p.prefix + ":snapshots" }

func (p *Publisher) latestKey(id string) string  { return fmt.Sprintf("%s:%s:latest", p.prefix, id) }
func (p *Publisher) historyKey(id string) string { return fmt.Sprintf("%s:%s:history", p.prefix, id) }

// Publish takes one snapshot and writes it. It returns the number of
// subscribers that received the announcement.
func (p *Publisher) Publish(ctx context.Context) (int64, error) {
	snap := p.src.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("introspect: encode snapshot: %w", err)
	}
	keys := []string{p.latestKey(snap.ID), p.historyKey(snap.ID)}
	n, err := publishScript.Run(ctx, p.client, keys, body, p.ttl.Milliseconds(), p.history, p.Channel()).Int64()
	if err != nil {
		return 0, fmt.Errorf("introspect: publish: %w", err)
	}
	return n, nil
}

// Latest reads back the most recent snapshot published for id.
func (p *Publisher) Latest(ctx context.Context, id string) (membrane.Snapshot, error) {
	var snap membrane.Snapshot
	body, err := p.client.Get(ctx, p.latestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("%w for %s", ErrNoSnapshot, id)
	}
	if err != nil {
		return snap, fmt.Errorf("introspect: read: %w", err)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("introspect: decode snapshot: %w", err)
	}
	return snap, nil
}

// History returns up to n snapshots for id, newest first.
func (p *Publisher) History(ctx context.Context, id string, n int64) ([]membrane.Snapshot, error) {
	raw, err := p.client.LRange(ctx, p.historyKey(id), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("introspect: read history: %w", err)
	}
	out := make([]membrane.Snapshot, 0, len(raw))
	for _, r := range raw {
		var snap membrane.Snapshot
		if err := json.Unmarshal([]byte(r), &snap); err != nil {
			return nil, fmt.Errorf("introspect: decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Run publishes every interval until ctx is done. Publish failures are
// logged and retried on the next tick; Redis being away never stops the
// membrane.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	var failing bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, err := p.Publish(ctx)
			switch {
			case err != nil && !failing:
				p.logger.WarnContext(ctx, "snapshot publish failing", "error", err)
				failing = true
			case err == nil && failing:
				p.logger.InfoContext(ctx, "snapshot publish recovered")
				failing = false
			}
		}
	}
}

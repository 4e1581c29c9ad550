package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"chatrelay/internal/redis"
)

const revokeChannel = "auth:revoked"

// RevokeFeed broadcasts revocations to whoever holds long lived sessions.
// Payloads are token fingerprints, never raw tokens.
type RevokeFeed interface {
	Publish(ctx context.Context, fingerprint string) error
	// Listen calls fn for each published fingerprint until ctx is done.
	Listen(ctx context.Context, fn func(fingerprint string)) error
}

// Fingerprint derives the identifier used on the revoke feed for token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RedisFeed carries revocations over redis pub/sub.
type RedisFeed struct {
	client *redis.Client
}

func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) Publish(ctx context.Context, fingerprint string) error {
	return f.client.Publish(ctx, revokeChannel, fingerprint)
}

func (f *RedisFeed) Listen(ctx context.Context, fn func(string)) error {
	pubsub, err := f.client.Subscribe(ctx, revokeChannel)
	if err != nil {
		return err
	}
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// LocalFeed delivers revocations inside one process.
type LocalFeed struct {
	mu   sync.Mutex
	subs map[int]chan string
	next int
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[int]chan string)}
}

func (f *LocalFeed) Publish(ctx context.Context, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- fingerprint:
		default:
			slog.Warn("revoke feed subscriber lagging, dropping event", "module", "auth")
		}
	}
	return nil
}

func (f *LocalFeed) Listen(ctx context.Context, fn func(string)) error {
	ch := make(chan string, 16)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fp := <-ch:
			fn(fp)
		}
	}
}

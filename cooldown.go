package ghgovernor

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultCooldownPrefix namespaces cooldown keys in the shared store.
const DefaultCooldownPrefix = "rg:endpoint:cooldown"

// cooldownMargin is added to the backoff to form the entry TTL.
const cooldownMargin = 250 * time.Millisecond

// CooldownStore is a shared key-value store with per-key expiry. Implementations
// must be safe for concurrent use; see the cooldown/memory, cooldown/redis and
// cooldown/nats packages.
type CooldownStore interface {
	// Get returns the value under key, found=false when absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// SetIfAbsent stores value with ttl unless a live entry exists; ok reports whether it was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error)
	// TTL returns the remaining lifetime of key, found=false when absent.
	TTL(ctx context.Context, key string) (remaining time.Duration, found bool, err error)
}

// CooldownAdapter maps endpoint keys onto a CooldownStore. Entries hold the
// retry-until instant in unix milliseconds.
type CooldownAdapter struct {
	store  CooldownStore
	prefix string
}

// NewCooldownAdapter wraps store. An empty prefix uses DefaultCooldownPrefix.
func NewCooldownAdapter(store CooldownStore, prefix string) *CooldownAdapter {
	if prefix == "" {
		prefix = DefaultCooldownPrefix
	}
	return &CooldownAdapter{store: store, prefix: prefix}
}

// Key builds the store key for an endpoint.
func (a *CooldownAdapter) Key(endpointKey string) string {
	return a.prefix + ":" + escapeComponent(endpointKey)
}

// componentUnescaper undoes the QueryEscape encodings that encodeURIComponent
// leaves alone, so keys match those written by JavaScript clients.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escapeComponent percent-encodes s the way encodeURIComponent does.
func escapeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

// Deadline returns the stored retry-until instant for an endpoint. Unparsable
// values are reported as absent.
func (a *CooldownAdapter) Deadline(ctx context.Context, endpointKey string) (time.Time, bool, error) {
	v, found, err := a.store.Get(ctx, a.Key(endpointKey))
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Hold records that endpointKey must not be called before until. The entry
// lives for backoff plus a small margin. Losing the race to another writer is
// not an error: ok is simply false.
func (a *CooldownAdapter) Hold(ctx context.Context, endpointKey string, until time.Time, backoff time.Duration) (bool, error) {
	value := strconv.FormatInt(until.UnixMilli(), 10)
	return a.store.SetIfAbsent(ctx, a.Key(endpointKey), value, backoff+cooldownMargin)
}

// TTL reports the remaining lifetime of an endpoint's entry.
func (a *CooldownAdapter) TTL(ctx context.Context, endpointKey string) (time.Duration, bool, error) {
	return a.store.TTL(ctx, a.Key(endpointKey))
}

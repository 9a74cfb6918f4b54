package core

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultDedupWindow applies to templates without an explicit window.
const DefaultDedupWindow = 24 * time.Hour

// DedupKey hashes the correlation tuple. Recipient and template are
// normalized so case differences do not defeat suppression.
func DedupKey(recipient, template string, correlationIDs ...string) string {
	parts := make([]string, 0, len(correlationIDs)+2)
	parts = append(parts, normalizeAddress(recipient), strings.ToLower(strings.TrimSpace(template)))
	for _, id := range correlationIDs {
		parts = append(parts, strings.TrimSpace(id))
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// DedupGate suppresses repeat sends of the same correlation key within a
// window. Check marks the key in the same step, so two concurrent producers
// cannot both pass.
type DedupGate struct {
	store   DedupStore
	window  time.Duration
	windows map[string]time.Duration
}

// NewDedupGate builds a gate. windows overrides the default per template.
func NewDedupGate(store DedupStore, window time.Duration, windows map[string]time.Duration) *DedupGate {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &DedupGate{store: store, window: window, windows: windows}
}

func (g *DedupGate) Window(template string) time.Duration {
	if w, ok := g.windows[template]; ok && w > 0 {
		return w
	}
	return g.window
}

// Check reports whether key was already marked inside the template's window.
// A false result means the caller now holds the mark.
func (g *DedupGate) Check(ctx context.Context, key, template string) (bool, error) {
	won, err := g.store.Mark(ctx, key, g.Window(template))
	if err != nil {
		return false, err
	}
	return !won, nil
}

// Release undoes a mark whose send never got queued.
func (g *DedupGate) Release(ctx context.Context, key string) error {
	return g.store.Release(ctx, key)
}

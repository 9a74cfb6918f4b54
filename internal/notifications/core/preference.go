package core

import (
	"context"
)

// PreferenceGate consults opt-in settings before a send. Users who never
// recorded a preference receive notifications.
type PreferenceGate struct {
	store PreferenceStore
}

func NewPreferenceGate(store PreferenceStore) *PreferenceGate {
	return &PreferenceGate{store: store}
}

// Allow reports whether userID accepts immediate notifications of
// (category, typ). Anonymous recipients are always allowed.
func (g *PreferenceGate) Allow(ctx context.Context, userID, category, typ string) (bool, error) {
	if g == nil || g.store == nil || userID == "" {
		return true, nil
	}
	pref, err := g.store.Get(ctx, userID, category, typ)
	if err != nil {
		return false, err
	}
	if pref == nil {
		return true, nil
	}
	return pref.Allows(), nil
}

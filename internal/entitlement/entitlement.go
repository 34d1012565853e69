// Package entitlement decides whether a caller may use a model.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/auth"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/repository"
)

type Checker interface {
	Allowed(ctx context.Context, principal auth.Principal, model string) (bool, error)
}

// AllowAll grants every model.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, auth.Principal, string) (bool, error) {
	return true, nil
}

// TierChecker grants free-tier models to everyone. Premium models require the
// premium permission or an active subscription.
type TierChecker struct {
	mu    sync.RWMutex
	tiers map[string]domain.Tier

	subs repository.SubscriptionRepository
	now  func() time.Time
}

func NewTierChecker(catalog []domain.ProviderDescriptor, subs repository.SubscriptionRepository) *TierChecker {
	c := &TierChecker{
		subs: subs,
		now:  time.Now,
	}
	c.SetCatalog(catalog)
	return c
}

// SetCatalog replaces the model to tier mapping.
func (c *TierChecker) SetCatalog(catalog []domain.ProviderDescriptor) {
	tiers := make(map[string]domain.Tier)
	for _, d := range catalog {
		for _, m := range d.Models {
			tiers[m] = d.Tier
		}
	}

	c.mu.Lock()
	c.tiers = tiers
	c.mu.Unlock()
}

func (c *TierChecker) Allowed(ctx context.Context, principal auth.Principal, model string) (bool, error) {
	c.mu.RLock()
	tier := c.tiers[model]
	c.mu.RUnlock()

	if tier != domain.TierPremium {
		return true, nil
	}
	if principal.Can(auth.PermissionPremiumModels) {
		return true, nil
	}

	_, err := c.subs.Active(ctx, principal.UserID, c.now())
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrEntitlementLookup, err)
	}
	return true, nil
}

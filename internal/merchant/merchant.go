// Package merchant is the store-backed side of the merchant metadata that
// transaction.Engine receives by id (spec §1: onboarding itself is an
// external collaborator). It holds the single METADATA row an onboarding
// system would have written, and satisfies transaction.MerchantLookup.
package merchant

import (
	"context"

	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

func partition(id string) string { return "MERCHANT#" + id }

const skMetadata = "METADATA"

// Registry is a thin store-backed directory of merchant metadata.
type Registry struct {
	adapter store.Adapter
}

func New(adapter store.Adapter) *Registry {
	return &Registry{adapter: adapter}
}

// Register writes (or overwrites) a merchant's metadata row. In
// production this would be called by the onboarding system this core
// doesn't own; here it is also how seed data and tests populate a
// merchant for Prepare/Confirm to resolve by id.
func (r *Registry) Register(ctx context.Context, id string, category money.Category, status string, active bool) error {
	canon, ok := money.Canonicalize(string(category))
	if !ok {
		return apperr.New(apperr.BadInput, "unknown category: "+string(category))
	}
	item := store.Item{
		Pk: partition(id),
		Sk: skMetadata,
		Attrs: map[string]any{
			"category": string(canon),
			"status":   status,
			"active":   active,
		},
	}
	return r.adapter.Put(ctx, item, store.PutOptions{})
}

// GetMerchant implements transaction.MerchantLookup.
func (r *Registry) GetMerchant(ctx context.Context, id string) (*transaction.Merchant, error) {
	item, err := r.adapter.Get(ctx, partition(id), skMetadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read merchant metadata", err)
	}
	if item == nil {
		return nil, nil
	}
	category, _ := item.Attrs["category"].(string)
	status, _ := item.Attrs["status"].(string)
	active, _ := item.Attrs["active"].(bool)
	return &transaction.Merchant{
		ID:       id,
		Category: money.Category(category),
		Status:   status,
		Active:   active,
	}, nil
}

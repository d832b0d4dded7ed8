package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/event"
)

var errStaleListing = errors.New("seller no longer owns the asset")

// Registry is the fixed-price listing book. It never holds the asset or the
// payment: a sale is a direct buyer-to-seller and seller-to-buyer swap that the
// registry orchestrates through the collaborators.
//
// Registry is not safe for concurrent use. It is driven by a single goroutine
// (engine.Sequencer); collaborator callbacks may re-enter it on that goroutine.
// A failed BuyItem may leave partial state behind; the caller rolls the
// registry back together with the ledgers through domain.Savepoint.
type Registry struct {
	self      domain.Address
	tokenAddr domain.Address
	token     domain.FungibleLedger
	assets    domain.AssetDirectory

	listings map[domain.AssetKey]domain.Listing

	sink event.Sink
	now  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink routes notifications to s.
func WithSink(s event.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithClock overrides the time source used to stamp notifications.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry acting as self, settling in tokenAddr.
func NewRegistry(self, tokenAddr domain.Address, token domain.FungibleLedger, assets domain.AssetDirectory, opts ...Option) *Registry {
	r := &Registry{
		self:      self,
		tokenAddr: tokenAddr,
		token:     token,
		assets:    assets,
		listings:  make(map[domain.AssetKey]domain.Listing),
		sink:      event.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Address is the identity the registry acts as towards the collaborators.
func (r *Registry) Address() domain.Address { return r.self }

// SettlementToken returns the token listings are priced in.
func (r *Registry) SettlementToken() domain.Address { return r.tokenAddr }

// GetListing returns the active listing for an asset.
func (r *Registry) GetListing(collection domain.Address, id domain.AssetID) (domain.Listing, bool) {
	l, ok := r.listings[domain.AssetKey{Collection: collection, ID: id}]
	return l, ok
}

// Listings returns all active listings ordered by collection and asset id.
func (r *Registry) Listings() []domain.Listing {
	out := make([]domain.Listing, 0, len(r.listings))
	for _, l := range r.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// ListItem offers an asset the actor owns for price. The registry must already be
// approved for the asset, individually or as the actor's operator.
func (r *Registry) ListItem(ctx context.Context, actor, collection domain.Address, id domain.AssetID, price int64) error {
	key := domain.AssetKey{Collection: collection, ID: id}
	reg, err := r.collection(collection)
	if err != nil {
		return domain.Wrap("list_item", err)
	}
	if err := r.requireOwner(reg, actor, id); err != nil {
		return domain.Wrap("list_item", err)
	}
	if _, ok := r.listings[key]; ok {
		return domain.Wrap("list_item", domain.ErrAlreadyListed)
	}
	if price <= 0 {
		return domain.Wrap("list_item", domain.ErrZeroPrice)
	}
	if !domain.IsApprovedOperator(reg, actor, r.self, id) {
		return domain.Wrap("list_item", domain.ErrAssetNotApproved)
	}

	r.listings[key] = domain.Listing{Key: key, Seller: actor, Price: price}

	r.sink.Emit(&event.ItemListed{BaseEvent: event.At(r.now()), Seller: actor, Asset: key, Price: price})
	slog.Info("Item listed",
		slog.String("asset", key.String()),
		slog.String("seller", string(actor)),
		slog.Int64("price", price))
	return nil
}

// BuyItem settles a listing: the price moves from actor to the seller and the
// asset moves from the seller to actor. The listing is removed before either
// transfer is issued, so a re-entrant buy of the same asset sees it as unlisted.
func (r *Registry) BuyItem(ctx context.Context, actor, collection domain.Address, id domain.AssetID) error {
	key := domain.AssetKey{Collection: collection, ID: id}
	listing, ok := r.listings[key]
	if !ok {
		return domain.Wrap("buy_item", domain.ErrNotListed)
	}
	if r.token.Allowance(actor, r.self) < listing.Price {
		return domain.Wrap("buy_item", domain.ErrInsufficientAllowance)
	}
	if r.token.BalanceOf(actor) < listing.Price {
		return domain.Wrap("buy_item", domain.ErrInsufficientBalance)
	}
	reg, err := r.collection(collection)
	if err != nil {
		return domain.Wrap("buy_item", err)
	}
	if owner, err := reg.OwnerOf(id); err != nil || owner != listing.Seller {
		return domain.Wrap("buy_item", fmt.Errorf("%w: %w", domain.ErrTransferFailed, errStaleListing))
	}
	if !domain.IsApprovedOperator(reg, listing.Seller, r.self, id) {
		return domain.Wrap("buy_item", domain.ErrAssetNotApproved)
	}

	delete(r.listings, key)

	if err := r.token.TransferFrom(ctx, r.self, actor, listing.Seller, listing.Price); err != nil {
		return domain.Wrap("buy_item", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}
	if err := reg.SafeTransferFrom(ctx, r.self, listing.Seller, actor, id); err != nil {
		return domain.Wrap("buy_item", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}

	r.sink.Emit(&event.ItemBought{
		BaseEvent: event.At(r.now()),
		Buyer:     actor,
		Seller:    listing.Seller,
		Asset:     key,
		Price:     listing.Price,
	})
	slog.Info("Item bought",
		slog.String("asset", key.String()),
		slog.String("buyer", string(actor)),
		slog.String("seller", string(listing.Seller)),
		slog.Int64("price", listing.Price))
	return nil
}

// UpdateItem changes the price of the actor's listing.
func (r *Registry) UpdateItem(ctx context.Context, actor, collection domain.Address, id domain.AssetID, newPrice int64) error {
	key := domain.AssetKey{Collection: collection, ID: id}
	listing, err := r.ownedListing(actor, key)
	if err != nil {
		return domain.Wrap("update_item", err)
	}
	if newPrice <= 0 {
		return domain.Wrap("update_item", domain.ErrZeroPrice)
	}

	old := listing.Price
	listing.Price = newPrice
	r.listings[key] = listing

	r.sink.Emit(&event.ItemUpdated{BaseEvent: event.At(r.now()), Seller: actor, Asset: key, OldPrice: old, Price: newPrice})
	slog.Info("Item updated",
		slog.String("asset", key.String()),
		slog.Int64("old_price", old),
		slog.Int64("price", newPrice))
	return nil
}

// CancelItem removes the actor's listing.
func (r *Registry) CancelItem(ctx context.Context, actor, collection domain.Address, id domain.AssetID) error {
	key := domain.AssetKey{Collection: collection, ID: id}
	if _, err := r.ownedListing(actor, key); err != nil {
		return domain.Wrap("cancel_item", err)
	}

	delete(r.listings, key)

	r.sink.Emit(&event.ItemCanceled{BaseEvent: event.At(r.now()), Seller: actor, Asset: key})
	slog.Info("Item canceled", slog.String("asset", key.String()), slog.String("seller", string(actor)))
	return nil
}

// ownedListing returns the listing for key if actor currently owns the asset.
// Ownership is read from the collection, not from the stored seller.
func (r *Registry) ownedListing(actor domain.Address, key domain.AssetKey) (domain.Listing, error) {
	listing, ok := r.listings[key]
	if !ok {
		return domain.Listing{}, domain.ErrNotListed
	}
	reg, err := r.collection(key.Collection)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := r.requireOwner(reg, actor, key.ID); err != nil {
		return domain.Listing{}, err
	}
	return listing, nil
}

func (r *Registry) requireOwner(reg domain.AssetRegistry, actor domain.Address, id domain.AssetID) error {
	owner, err := reg.OwnerOf(id)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotOwner, err)
	}
	if owner != actor {
		return domain.ErrNotOwner
	}
	return nil
}

func (r *Registry) collection(addr domain.Address) (domain.AssetRegistry, error) {
	reg, err := r.assets.Collection(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnknownCollection, err)
	}
	return reg, nil
}

// Save implements domain.Saver.
func (r *Registry) Save() func() {
	listings := maps.Clone(r.listings)
	return func() { r.listings = maps.Clone(listings) }
}

package auction

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/event"
	"nft_market/pkg/safe"
)

// Params are the immutable parameters of one English auction.
type Params struct {
	Self          domain.Address // identity that holds escrow
	Asset         domain.AssetKey
	Token         domain.Address
	Seller        domain.Address
	StartingPrice int64
	Duration      time.Duration
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Token  domain.FungibleLedger
	Assets domain.AssetDirectory
	Sink   event.Sink       // defaults to event.Discard
	Now    func() time.Time // defaults to time.Now
}

// Refund is one refund ledger entry.
type Refund struct {
	Bidder  domain.Address `json:"bidder"`
	Balance int64          `json:"balance"`
}

type state struct {
	started       bool
	closed        bool
	endsAt        time.Time
	highestBidder domain.OptAddress
	highestBid    int64
}

// Engine runs a single auction: Created -> Started -> Closed.
// Displaced bids are credited to a refund ledger and pulled back by Withdraw.
//
// Engine is not safe for concurrent use; it is driven by one goroutine and
// collaborator callbacks may re-enter it on that goroutine. Every mutation is
// applied before the transfer that follows it. A call that fails after a
// transfer has been issued may leave partial state behind; the caller rolls
// the engine back together with the ledgers through domain.Savepoint, as
// engine.Sequencer does for every command.
type Engine struct {
	p      Params
	token  domain.FungibleLedger
	assets domain.AssetRegistry
	sink   event.Sink
	now    func() time.Time

	st      state
	refunds map[domain.Address]int64
}

// New constructs an auction. The seller must currently own the asset; the
// asset stays with the seller until Start.
func New(p Params, d Deps) (*Engine, error) {
	if d.Sink == nil {
		d.Sink = event.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if p.StartingPrice <= 0 {
		return nil, domain.Wrap("create_auction", domain.ErrZeroPrice)
	}
	if p.Duration <= 0 {
		return nil, domain.Wrap("create_auction", domain.ErrInvalidDuration)
	}
	reg, err := d.Assets.Collection(p.Asset.Collection)
	if err != nil {
		return nil, domain.Wrap("create_auction", fmt.Errorf("%w: %w", domain.ErrUnknownCollection, err))
	}
	owner, err := reg.OwnerOf(p.Asset.ID)
	if err != nil {
		return nil, domain.Wrap("create_auction", fmt.Errorf("%w: %w", domain.ErrNotOwner, err))
	}
	if owner != p.Seller {
		return nil, domain.Wrap("create_auction", domain.ErrNotOwner)
	}

	e := &Engine{
		p:       p,
		token:   d.Token,
		assets:  reg,
		sink:    d.Sink,
		now:     d.Now,
		st:      state{highestBid: p.StartingPrice},
		refunds: make(map[domain.Address]int64),
	}

	e.sink.Emit(&event.AuctionCreated{
		BaseEvent:     event.At(e.now()),
		Engine:        p.Self,
		Seller:        p.Seller,
		Asset:         p.Asset,
		Token:         p.Token,
		StartingPrice: p.StartingPrice,
		Duration:      p.Duration,
	})
	slog.Info("Auction created",
		slog.String("engine", string(p.Self)),
		slog.String("asset", p.Asset.String()),
		slog.Int64("starting_price", p.StartingPrice),
		slog.Duration("duration", p.Duration))
	return e, nil
}

// Address is the escrow identity of the engine.
func (e *Engine) Address() domain.Address { return e.p.Self }

// Params returns the immutable parameters.
func (e *Engine) Params() Params { return e.p }

// Start escrows the asset and opens bidding until now + Duration.
func (e *Engine) Start(ctx context.Context, actor domain.Address) error {
	if e.st.started {
		return domain.Wrap("start", domain.ErrAlreadyStarted)
	}
	if !domain.IsApprovedOperator(e.assets, e.p.Seller, e.p.Self, e.p.Asset.ID) {
		return domain.Wrap("start", domain.ErrAssetNotApproved)
	}

	e.st.started = true
	e.st.endsAt = e.now().Add(e.p.Duration)

	if err := e.assets.TransferFrom(ctx, e.p.Self, e.p.Seller, e.p.Self, e.p.Asset.ID); err != nil {
		return domain.Wrap("start", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}

	e.sink.Emit(&event.AuctionStarted{BaseEvent: event.At(e.now()), Engine: e.p.Self, EndsAt: e.st.endsAt})
	slog.Info("Auction started",
		slog.String("engine", string(e.p.Self)),
		slog.String("by", string(actor)),
		slog.Time("ends_at", e.st.endsAt))
	return nil
}

// Bid makes actor the highest bidder with amount, pulled from actor's
// allowance. The displaced bidder's amount is credited to the refund ledger.
// A bid equal to the current highest bid wins.
func (e *Engine) Bid(ctx context.Context, actor domain.Address, amount int64) error {
	if !e.st.started {
		return domain.Wrap("bid", domain.ErrNotStarted)
	}
	if !e.now().Before(e.st.endsAt) {
		return domain.Wrap("bid", domain.ErrAuctionExpired)
	}
	if e.token.Allowance(actor, e.p.Self) < amount {
		return domain.Wrap("bid", domain.ErrTokenNotApproved)
	}
	if e.token.BalanceOf(actor) < amount {
		return domain.Wrap("bid", domain.ErrInsufficientFunds)
	}
	if amount < e.st.highestBid {
		return domain.Wrap("bid", domain.ErrBidTooLow)
	}

	previous := e.st.highestBidder
	if previous.Valid {
		credited, err := safe.Add(e.refunds[previous.Addr], e.st.highestBid)
		if err != nil {
			return domain.Wrap("bid", fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		}
		e.refunds[previous.Addr] = credited
	}
	e.st.highestBidder = domain.Some(actor)
	e.st.highestBid = amount

	if err := e.token.TransferFrom(ctx, e.p.Self, actor, e.p.Self, amount); err != nil {
		return domain.Wrap("bid", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}

	e.sink.Emit(&event.BidPlaced{
		BaseEvent: event.At(e.now()),
		Engine:    e.p.Self,
		Bidder:    actor,
		Amount:    amount,
		Previous:  previous,
	})
	slog.Info("Bid placed",
		slog.String("engine", string(e.p.Self)),
		slog.String("bidder", string(actor)),
		slog.Int64("amount", amount),
		slog.String("displaced", previous.String()))
	return nil
}

// Close settles an expired auction. Only the seller may close. Without bids the
// asset returns to the seller; otherwise the seller receives the highest bid and
// the highest bidder receives the asset.
func (e *Engine) Close(ctx context.Context, actor domain.Address) error {
	if actor != e.p.Seller {
		return domain.Wrap("close", domain.ErrNotSeller)
	}
	if !e.st.started {
		return domain.Wrap("close", domain.ErrNotStarted)
	}
	if e.st.closed {
		return domain.Wrap("close", domain.ErrAlreadyClosed)
	}
	if e.now().Before(e.st.endsAt) {
		return domain.Wrap("close", domain.ErrNotYetExpired)
	}

	e.st.closed = true
	winner := e.st.highestBidder
	amount := int64(0)

	if !winner.Valid {
		if err := e.assets.SafeTransferFrom(ctx, e.p.Self, e.p.Self, e.p.Seller, e.p.Asset.ID); err != nil {
			return domain.Wrap("close", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
		}
	} else {
		amount = e.st.highestBid
		if err := e.token.Transfer(ctx, e.p.Self, e.p.Seller, amount); err != nil {
			return domain.Wrap("close", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
		}
		if err := e.assets.SafeTransferFrom(ctx, e.p.Self, e.p.Self, winner.Addr, e.p.Asset.ID); err != nil {
			return domain.Wrap("close", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
		}
	}

	e.sink.Emit(&event.AuctionClosed{BaseEvent: event.At(e.now()), Engine: e.p.Self, Winner: winner, Amount: amount})
	slog.Info("Auction closed",
		slog.String("engine", string(e.p.Self)),
		slog.String("winner", winner.String()),
		slog.Int64("amount", amount))
	return nil
}

// Withdraw pays out actor's refund ledger balance. The entry is zeroed before
// the transfer is issued.
func (e *Engine) Withdraw(ctx context.Context, actor domain.Address) error {
	bal := e.refunds[actor]
	if bal <= 0 {
		return domain.Wrap("withdraw", domain.ErrNothingToWithdraw)
	}

	delete(e.refunds, actor)

	if err := e.token.Transfer(ctx, e.p.Self, actor, bal); err != nil {
		return domain.Wrap("withdraw", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err))
	}

	e.sink.Emit(&event.Withdrawn{BaseEvent: event.At(e.now()), Engine: e.p.Self, Bidder: actor, Amount: bal})
	slog.Info("Refund withdrawn",
		slog.String("engine", string(e.p.Self)),
		slog.String("bidder", string(actor)),
		slog.Int64("amount", bal))
	return nil
}

// Balance returns the withdrawable refund of addr.
func (e *Engine) Balance(addr domain.Address) int64 {
	return e.refunds[addr]
}

// IsExpired reports whether bidding has ended. An auction that never started
// is not expired.
func (e *Engine) IsExpired() bool {
	return e.st.started && !e.now().Before(e.st.endsAt)
}

// Snapshot returns a copy of the full auction state.
func (e *Engine) Snapshot() domain.AuctionSnapshot {
	return domain.AuctionSnapshot{
		Engine:          e.p.Self,
		Asset:           e.p.Asset,
		SettlementToken: e.p.Token,
		Seller:          e.p.Seller,
		Duration:        e.p.Duration,
		Started:         e.st.started,
		Closed:          e.st.closed,
		EndsAt:          e.st.endsAt,
		HighestBidder:   e.st.highestBidder,
		HighestBid:      e.st.highestBid,
	}
}

// Refunds returns the non-zero refund ledger entries sorted by bidder.
func (e *Engine) Refunds() []Refund {
	out := make([]Refund, 0, len(e.refunds))
	for bidder, bal := range e.refunds {
		if bal != 0 {
			out = append(out, Refund{Bidder: bidder, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bidder < out[j].Bidder })
	return out
}

// Custody is the amount of settlement token the engine must hold: the escrowed
// highest bid while the auction is open plus every refund balance.
func (e *Engine) Custody() int64 {
	var total int64
	for _, bal := range e.refunds {
		total = safe.MustAdd(total, bal)
	}
	if e.st.highestBidder.Valid && !e.st.closed {
		total = safe.MustAdd(total, e.st.highestBid)
	}
	return total
}

// Save implements domain.Saver.
func (e *Engine) Save() func() {
	st, refunds := e.st, maps.Clone(e.refunds)
	return func() {
		e.st = st
		e.refunds = maps.Clone(refunds)
	}
}

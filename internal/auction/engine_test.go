package auction

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/event"
	"nft_market/internal/ledger"
)

const (
	self   domain.Address = "0xauction"
	seller domain.Address = "0xalice"
	bob    domain.Address = "0xbob"
	carol  domain.Address = "0xcarol"
)

type fixture struct {
	clock  time.Time
	token  *ledger.Token
	col    *ledger.Collection
	dir    *ledger.Directory
	rec    *event.Recorder
	engine *Engine
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) assertCustody(t *testing.T) {
	t.Helper()
	if got, want := f.token.BalanceOf(self), f.engine.Custody(); got != want {
		t.Fatalf("Custody mismatch: token balance %d, engine owes %d", got, want)
	}
}

// do runs op the way the sequencer applies a command: on failure every
// component goes back to where it was and the events op emitted are dropped.
func (f *fixture) do(op func() error) error {
	restore := domain.Savepoint(f.token, f.dir, f.engine)
	kept := f.rec.Drain()
	err := op()
	emitted := f.rec.Drain()
	if err != nil {
		restore()
		emitted = nil
	}
	for _, ev := range append(kept, emitted...) {
		f.rec.Emit(ev)
	}
	return err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		token: ledger.NewToken("0xusd"),
		col:   ledger.NewCollection("0xpunks"),
		rec:   &event.Recorder{},
	}
	f.dir = ledger.NewDirectory(f.col)
	if err := f.col.Mint(seller, 1); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := f.col.Approve(seller, self, 1); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	for _, who := range []domain.Address{bob, carol} {
		f.token.Mint(who, 1_000)
		f.token.Approve(who, self, 1_000)
	}

	e, err := New(Params{
		Self:          self,
		Asset:         domain.AssetKey{Collection: "0xpunks", ID: 1},
		Token:         "0xusd",
		Seller:        seller,
		StartingPrice: 100,
		Duration:      time.Hour,
	}, Deps{
		Token:  f.token,
		Assets: f.dir,
		Sink:   f.rec,
		Now:    f.now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.engine = e
	return f
}

func TestEngine_FullAuction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.engine.Start(ctx, seller); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if owner, _ := f.col.OwnerOf(1); owner != self {
		t.Fatalf("Asset not escrowed, owner %s", owner)
	}

	if err := f.engine.Bid(ctx, bob, 100); err != nil {
		t.Fatalf("Bid equal to starting price rejected: %v", err)
	}
	f.assertCustody(t)

	if err := f.engine.Bid(ctx, carol, 150); err != nil {
		t.Fatalf("Outbid failed: %v", err)
	}
	f.assertCustody(t)
	if got := f.engine.Balance(bob); got != 100 {
		t.Fatalf("Expected bob refund 100, got %d", got)
	}

	f.advance(time.Hour)
	if !f.engine.IsExpired() {
		t.Fatal("Auction should be expired")
	}
	if err := f.engine.Close(ctx, seller); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	f.assertCustody(t)

	if got := f.token.BalanceOf(seller); got != 150 {
		t.Errorf("Expected seller proceeds 150, got %d", got)
	}
	if owner, _ := f.col.OwnerOf(1); owner != carol {
		t.Errorf("Expected winner carol to own asset, got %s", owner)
	}

	if err := f.engine.Withdraw(ctx, bob); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if got := f.token.BalanceOf(bob); got != 1_000 {
		t.Errorf("Expected bob fully refunded to 1000, got %d", got)
	}
	f.assertCustody(t)
	if f.token.BalanceOf(self) != 0 {
		t.Errorf("Engine should hold nothing, has %d", f.token.BalanceOf(self))
	}

	want := []event.Type{
		event.EvAuctionCreated, event.EvAuctionStarted,
		event.EvBidPlaced, event.EvBidPlaced,
		event.EvAuctionClosed, event.EvWithdrawn,
	}
	if got := f.rec.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Event sequence mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestNew_Validation(t *testing.T) {
	col := ledger.NewCollection("0xpunks")
	col.Mint(seller, 1)
	deps := Deps{Token: ledger.NewToken("0xusd"), Assets: ledger.NewDirectory(col)}
	base := Params{
		Self:          self,
		Asset:         domain.AssetKey{Collection: "0xpunks", ID: 1},
		Seller:        seller,
		StartingPrice: 10,
		Duration:      time.Minute,
	}

	tests := []struct {
		name    string
		mutate  func(p *Params)
		wantErr error
	}{
		{"not owner", func(p *Params) { p.Seller = bob }, domain.ErrNotOwner},
		{"missing asset", func(p *Params) { p.Asset.ID = 9 }, domain.ErrNotOwner},
		{"unknown collection", func(p *Params) { p.Asset.Collection = "0xnope" }, domain.ErrUnknownCollection},
		{"zero price", func(p *Params) { p.StartingPrice = 0 }, domain.ErrZeroPrice},
		{"zero duration", func(p *Params) { p.Duration = 0 }, domain.ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if _, err := New(p, deps); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEngine_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("requires approval", func(t *testing.T) {
		f := newFixture(t)
		f.col.Approve(seller, "", 1)
		if err := f.engine.Start(ctx, seller); !errors.Is(err, domain.ErrAssetNotApproved) {
			t.Fatalf("Expected ErrAssetNotApproved, got %v", err)
		}
		if f.engine.Snapshot().Started {
			t.Error("Failed start must leave auction unstarted")
		}
	})

	t.Run("seller moved asset away", func(t *testing.T) {
		f := newFixture(t)
		f.col.SetApprovalForAll(seller, self, true)
		f.col.TransferFrom(ctx, seller, seller, bob, 1)
		err := f.do(func() error { return f.engine.Start(ctx, seller) })
		if !errors.Is(err, domain.ErrAssetNotApproved) && !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("Expected start to fail, got %v", err)
		}
		if f.engine.Snapshot().Started {
			t.Error("Failed start must leave auction unstarted")
		}
	})

	t.Run("twice", func(t *testing.T) {
		f := newFixture(t)
		if err := f.engine.Start(ctx, bob); err != nil {
			t.Fatalf("Start by any caller failed: %v", err)
		}
		if err := f.engine.Start(ctx, seller); !errors.Is(err, domain.ErrAlreadyStarted) {
			t.Fatalf("Expected ErrAlreadyStarted, got %v", err)
		}
		if got := f.engine.Snapshot().EndsAt; !got.Equal(f.clock.Add(time.Hour)) {
			t.Errorf("Unexpected end time %v", got)
		}
	})
}

func TestEngine_BidErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not started", func(t *testing.T) {
		f := newFixture(t)
		if err := f.engine.Bid(ctx, bob, 100); !errors.Is(err, domain.ErrNotStarted) {
			t.Fatalf("Expected ErrNotStarted, got %v", err)
		}
	})

	tests := []struct {
		name    string
		setup   func(f *fixture)
		bidder  domain.Address
		amount  int64
		wantErr error
	}{
		{"below starting price", func(f *fixture) {}, bob, 99, domain.ErrBidTooLow},
		{"below highest", func(f *fixture) { f.engine.Bid(ctx, carol, 200) }, bob, 150, domain.ErrBidTooLow},
		{"expired", func(f *fixture) { f.advance(time.Hour) }, bob, 100, domain.ErrAuctionExpired},
		{"allowance", func(f *fixture) { f.token.Approve(bob, self, 50) }, bob, 100, domain.ErrTokenNotApproved},
		{"funds", func(f *fixture) { f.token.Transfer(ctx, bob, carol, 950) }, bob, 100, domain.ErrInsufficientFunds},
		{"unfunded stranger", func(f *fixture) {}, "0xmallory", 100, domain.ErrTokenNotApproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.engine.Start(ctx, seller); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			tt.setup(f)
			before := f.engine.Snapshot()

			err := f.engine.Bid(ctx, tt.bidder, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if after := f.engine.Snapshot(); after != before {
				t.Errorf("Rejected bid changed state: %+v", after)
			}
			f.assertCustody(t)
		})
	}
}

func TestEngine_SelfOutbidAccumulates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)

	for _, amt := range []int64{100, 120, 130} {
		if err := f.engine.Bid(ctx, bob, amt); err != nil {
			t.Fatalf("Bid %d failed: %v", amt, err)
		}
		f.assertCustody(t)
	}
	if got := f.engine.Balance(bob); got != 220 {
		t.Errorf("Expected refund 220, got %d", got)
	}
	if snap := f.engine.Snapshot(); !snap.HighestBidder.Is(bob) || snap.HighestBid != 130 {
		t.Errorf("Unexpected leader %+v", snap)
	}
}

func TestEngine_CloseErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.engine.Close(ctx, seller); !errors.Is(err, domain.ErrNotStarted) {
		t.Fatalf("Expected ErrNotStarted, got %v", err)
	}
	f.engine.Start(ctx, seller)
	f.engine.Bid(ctx, bob, 100)

	if err := f.engine.Close(ctx, bob); !errors.Is(err, domain.ErrNotSeller) {
		t.Fatalf("Expected ErrNotSeller, got %v", err)
	}
	if err := f.engine.Close(ctx, seller); !errors.Is(err, domain.ErrNotYetExpired) {
		t.Fatalf("Expected ErrNotYetExpired, got %v", err)
	}

	f.advance(time.Hour)
	if err := f.engine.Close(ctx, seller); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.engine.Close(ctx, seller); !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("Expected ErrAlreadyClosed, got %v", err)
	}
	if err := f.engine.Bid(ctx, carol, 500); !errors.Is(err, domain.ErrAuctionExpired) {
		t.Fatalf("Expected ErrAuctionExpired after close, got %v", err)
	}
	if f.engine.Snapshot().Phase() != domain.PhaseClosed {
		t.Errorf("Expected closed phase, got %s", f.engine.Snapshot().Phase())
	}
}

func TestEngine_CloseWithoutBids(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)
	f.advance(2 * time.Hour)

	if err := f.engine.Close(ctx, seller); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if owner, _ := f.col.OwnerOf(1); owner != seller {
		t.Errorf("Asset should return to seller, owner %s", owner)
	}
	if f.token.BalanceOf(seller) != 0 {
		t.Error("Seller must not receive proceeds without bids")
	}
	f.assertCustody(t)
}

func TestEngine_CloseRollsBackWhenWinnerRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)
	f.engine.Bid(ctx, bob, 300)
	f.advance(time.Hour)

	f.col.RegisterReceiver(bob, ledger.ReceiverFunc(func(ctx context.Context, operator, from domain.Address, id domain.AssetID) error {
		return errors.New("cannot hold assets")
	}))

	err := f.do(func() error { return f.engine.Close(ctx, seller) })
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if f.engine.Snapshot().Closed {
		t.Error("Failed close must leave auction open")
	}
	if f.token.BalanceOf(seller) != 0 {
		t.Errorf("Seller proceeds not pulled back: %d", f.token.BalanceOf(seller))
	}
	if owner, _ := f.col.OwnerOf(1); owner != self {
		t.Errorf("Asset left escrow, owner %s", owner)
	}
	f.assertCustody(t)
}

func TestEngine_FailedCloseRevertsNestedWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)
	f.engine.Bid(ctx, bob, 100)
	f.engine.Bid(ctx, bob, 150)
	f.advance(time.Hour)

	// bob pulls his refund while receiving the asset, then refuses it
	var innerErr error
	f.col.RegisterReceiver(bob, ledger.ReceiverFunc(func(ctx context.Context, operator, from domain.Address, id domain.AssetID) error {
		innerErr = f.engine.Withdraw(ctx, bob)
		return errors.New("cannot hold assets")
	}))

	err := f.do(func() error { return f.engine.Close(ctx, seller) })
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if innerErr != nil {
		t.Fatalf("Nested withdraw failed: %v", innerErr)
	}
	if got := f.engine.Balance(bob); got != 100 {
		t.Errorf("Expected bob's refund of 100 to be back, got %d", got)
	}
	if got := f.token.BalanceOf(bob); got != 750 {
		t.Errorf("Expected the nested payout reverted (750), got %d", got)
	}
	if got := f.token.BalanceOf(seller); got != 0 {
		t.Errorf("Expected no seller proceeds, got %d", got)
	}
	if owner, _ := f.col.OwnerOf(1); owner != self {
		t.Errorf("Asset left escrow, owner %s", owner)
	}
	if f.engine.Snapshot().Closed {
		t.Error("Failed close must leave auction open")
	}
	f.assertCustody(t)

	f.col.RegisterReceiver(bob, nil)
	if err := f.do(func() error { return f.engine.Withdraw(ctx, bob) }); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if err := f.do(func() error { return f.engine.Withdraw(ctx, bob) }); !errors.Is(err, domain.ErrNothingToWithdraw) {
		t.Fatalf("Expected ErrNothingToWithdraw, got %v", err)
	}
	if got := f.token.BalanceOf(bob); got != 850 {
		t.Errorf("Expected the refund paid exactly once (850), got %d", got)
	}
	f.assertCustody(t)
}

func TestEngine_FailedBidRevertsNestedWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)
	f.engine.Bid(ctx, carol, 100)

	// bob's payment pulls carol's fresh refund out, then fails
	var innerErr error
	calls := 0
	f.token.OnTransfer(func(ctx context.Context, from, to domain.Address, amount int64) error {
		if from != bob || calls > 0 {
			return nil
		}
		calls++
		innerErr = f.engine.Withdraw(ctx, carol)
		return errors.New("frozen account")
	})

	err := f.do(func() error { return f.engine.Bid(ctx, bob, 150) })
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if innerErr != nil {
		t.Fatalf("Nested withdraw failed: %v", innerErr)
	}
	if got := f.token.BalanceOf(carol); got != 900 {
		t.Errorf("Expected carol to stay at 900, got %d", got)
	}
	if got := f.token.BalanceOf(bob); got != 1_000 {
		t.Errorf("Expected bob untouched, got %d", got)
	}
	if got := f.engine.Balance(carol); got != 0 {
		t.Errorf("Expected no refund for carol, got %d", got)
	}
	snap := f.engine.Snapshot()
	if snap.HighestBidder != domain.Some(carol) || snap.HighestBid != 100 {
		t.Errorf("Expected carol to lead at 100, got %s at %d", snap.HighestBidder, snap.HighestBid)
	}
	if got := f.token.BalanceOf(self); got != 100 {
		t.Errorf("Expected escrow of 100, got %d", got)
	}
	f.assertCustody(t)
}

func TestEngine_Withdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to withdraw", func(t *testing.T) {
		f := newFixture(t)
		if err := f.engine.Withdraw(ctx, bob); !errors.Is(err, domain.ErrNothingToWithdraw) {
			t.Fatalf("Expected ErrNothingToWithdraw, got %v", err)
		}
	})

	t.Run("twice", func(t *testing.T) {
		f := newFixture(t)
		f.engine.Start(ctx, seller)
		f.engine.Bid(ctx, bob, 100)
		f.engine.Bid(ctx, carol, 100)

		if err := f.engine.Withdraw(ctx, bob); err != nil {
			t.Fatalf("Withdraw failed: %v", err)
		}
		if err := f.engine.Withdraw(ctx, bob); !errors.Is(err, domain.ErrNothingToWithdraw) {
			t.Fatalf("Expected ErrNothingToWithdraw, got %v", err)
		}
		f.assertCustody(t)
	})

	t.Run("reentrant withdraw pays once", func(t *testing.T) {
		f := newFixture(t)
		f.engine.Start(ctx, seller)
		f.engine.Bid(ctx, bob, 100)
		f.engine.Bid(ctx, carol, 200)

		var innerErr error
		calls := 0
		f.token.OnTransfer(func(ctx context.Context, from, to domain.Address, amount int64) error {
			if to != bob || calls > 0 {
				return nil
			}
			calls++
			innerErr = f.engine.Withdraw(ctx, bob)
			return nil
		})

		if err := f.engine.Withdraw(ctx, bob); err != nil {
			t.Fatalf("Withdraw failed: %v", err)
		}
		if !errors.Is(innerErr, domain.ErrNothingToWithdraw) {
			t.Fatalf("Re-entrant withdraw should see zero balance, got %v", innerErr)
		}
		if got := f.token.BalanceOf(bob); got != 1_000 {
			t.Errorf("Expected bob paid exactly once (1000), got %d", got)
		}
		f.assertCustody(t)
	})

	t.Run("failed transfer restores balance", func(t *testing.T) {
		f := newFixture(t)
		f.engine.Start(ctx, seller)
		f.engine.Bid(ctx, bob, 100)
		f.engine.Bid(ctx, carol, 200)

		f.token.OnTransfer(func(ctx context.Context, from, to domain.Address, amount int64) error {
			return errors.New("frozen account")
		})
		if err := f.do(func() error { return f.engine.Withdraw(ctx, bob) }); !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("Expected ErrTransferFailed, got %v", err)
		}
		if got := f.engine.Balance(bob); got != 100 {
			t.Errorf("Refund balance not restored, got %d", got)
		}
		f.assertCustody(t)
	})
}

func TestEngine_IsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if f.engine.IsExpired() {
		t.Fatal("Unstarted auction cannot be expired")
	}
	f.engine.Start(ctx, seller)
	f.advance(time.Hour - time.Nanosecond)
	if f.engine.IsExpired() {
		t.Fatal("Auction expired early")
	}
	f.advance(time.Nanosecond)
	if !f.engine.IsExpired() {
		t.Fatal("Auction should expire exactly at end time")
	}
}

func TestEngine_Refunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Start(ctx, seller)
	f.engine.Bid(ctx, carol, 100)
	f.engine.Bid(ctx, bob, 110)
	f.engine.Bid(ctx, carol, 120)

	want := []Refund{{Bidder: bob, Balance: 110}, {Bidder: carol, Balance: 100}}
	if got := f.engine.Refunds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Refunds mismatch: got %+v want %+v", got, want)
	}
}

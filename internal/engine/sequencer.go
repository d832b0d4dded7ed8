package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"nft_market/internal/auction"
	"nft_market/internal/domain"
	"nft_market/internal/event"
	"nft_market/internal/infra"
	"nft_market/internal/ledger"
	"nft_market/internal/market"

	"github.com/google/uuid"
)

// ErrStopped is returned by Submit once the sequencer loop has exited.
var ErrStopped = errors.New("sequencer stopped")

// Store persists the command log and the results of applied commands.
type Store interface {
	AppendCommand(ctx context.Context, rec *domain.CommandRecord) error
	Commit(ctx context.Context, b *domain.Batch) error
	// LastEventSeq returns the highest committed event sequence number, 0 when empty.
	LastEventSeq(ctx context.Context) (uint64, error)
}

// Publisher receives the events of every applied command, in order.
type Publisher interface {
	Publish(evs []event.Event)
}

// Config holds the identities the sequencer wires its components with.
type Config struct {
	InboxSize   int
	Marketplace domain.Address
	Auction     domain.Address
	Token       domain.Address
	DumpFile    string
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithStore enables write-ahead logging and projections.
func WithStore(st Store) Option { return func(s *Sequencer) { s.store = st } }

// WithPublisher routes applied events to p.
func WithPublisher(p Publisher) Option { return func(s *Sequencer) { s.pub = p } }

// WithMetrics overrides infra.GlobalMetrics.
func WithMetrics(m *infra.Metrics) Option { return func(s *Sequencer) { s.metrics = m } }

// WithWallClock overrides the time source used to stamp commands.
func WithWallClock(now func() time.Time) Option { return func(s *Sequencer) { s.wall = now } }

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan result
}

type result struct {
	receipt Receipt
	err     error
}

// Sequencer is the core single-threaded command processor. Every state change of
// the registry, the auction and the paper collaborators goes through Run.
type Sequencer struct {
	cfg     Config
	inbox   chan request
	stopped chan struct{}

	token   *ledger.Token
	assets  *ledger.Directory
	market  *market.Registry
	auction *auction.Engine

	rec   *event.Recorder
	clock time.Time // timestamp of the command being applied
	wall  func() time.Time

	nextSeq      uint64
	nextEventSeq uint64

	store   Store
	pub     Publisher
	metrics *infra.Metrics

	mu sync.RWMutex // held for writing while a command is applied
}

// NewSequencer creates a sequencer over pre-seeded paper collaborators.
func NewSequencer(cfg Config, token *ledger.Token, assets *ledger.Directory, opts ...Option) *Sequencer {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.DumpFile == "" {
		cfg.DumpFile = "panic_dump.json"
	}
	s := &Sequencer{
		cfg:          cfg,
		inbox:        make(chan request, cfg.InboxSize),
		stopped:      make(chan struct{}),
		token:        token,
		assets:       assets,
		rec:          &event.Recorder{},
		wall:         time.Now,
		nextSeq:      1,
		nextEventSeq: 1,
		metrics:      infra.GlobalMetrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.market = market.NewRegistry(cfg.Marketplace, cfg.Token, token, assets,
		market.WithSink(s.rec), market.WithClock(s.now))
	return s
}

func (s *Sequencer) now() time.Time { return s.clock }

// Submit enqueues cmd and waits until it has been applied.
// Domain failures are returned as errors; the command still consumed a sequence number.
func (s *Sequencer) Submit(ctx context.Context, cmd Command) (Receipt, error) {
	cmd, err := cmd.Normalize()
	if err != nil {
		return Receipt{}, domain.Wrap(string(cmd.Op), err)
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	req := request{ctx: ctx, cmd: cmd, reply: make(chan result, 1)}
	select {
	case s.inbox <- req:
	case <-s.stopped:
		return Receipt{}, ErrStopped
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-s.stopped:
		return Receipt{}, ErrStopped
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Run starts the main command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started", slog.Uint64("next_seq", s.NextSeq()))
	defer close(s.stopped)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.cfg.DumpFile)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case req := <-s.inbox:
			s.process(ctx, req)
		}
	}
}

func (s *Sequencer) process(ctx context.Context, req request) {
	start := time.Now()
	cmd := req.cmd

	// 1. Stamp
	s.mu.RLock()
	cmd.Seq = s.nextSeq
	s.mu.RUnlock()
	cmd.Ts = s.wall().UnixMicro()

	// 2. WAL-first: Persistence
	if s.store != nil {
		rec, err := cmd.Record()
		if err != nil {
			panic(fmt.Sprintf("WAL_ENCODE_FAILURE: %v", err))
		}
		if err := s.store.AppendCommand(ctx, rec); err != nil {
			panic(fmt.Sprintf("PERSISTENCE_FAILURE: %v", err))
		}
	}

	// 3. Apply
	evs, batch, err := s.apply(req.ctx, cmd)
	if err != nil {
		s.metrics.RecordRejected()
		slog.Warn("Command rejected",
			slog.Uint64("seq", cmd.Seq),
			slog.String("op", string(cmd.Op)),
			slog.String("actor", string(cmd.Actor)),
			slog.String("request_id", cmd.RequestID),
			slog.String("code", domain.CodeOf(err)),
			slog.Any("error", err))
		req.reply <- result{receipt: Receipt{RequestID: cmd.RequestID, Seq: cmd.Seq}, err: err}
		return
	}

	// 4. Projections
	if s.store != nil && batch != nil {
		if err := s.store.Commit(ctx, batch); err != nil {
			panic(fmt.Sprintf("PERSISTENCE_FAILURE: %v", err))
		}
	}

	// 5. Fan-out
	s.count(evs)
	if s.pub != nil && len(evs) > 0 {
		s.pub.Publish(evs)
		s.metrics.RecordPublished(len(evs))
	}
	s.metrics.RecordCommand(time.Since(start).Nanoseconds())

	req.reply <- result{receipt: Receipt{RequestID: cmd.RequestID, Seq: cmd.Seq, Events: evs}}
}

// Replay re-applies logged commands without publishing them. Component
// failures are expected (they were failures the first time) and are only
// counted. A command whose events are past the last committed event was logged
// but never committed, so its batch is written now. It returns the number of
// commands that failed.
func (s *Sequencer) Replay(ctx context.Context, records []domain.CommandRecord) (int, error) {
	var committed uint64
	if s.store != nil {
		last, err := s.store.LastEventSeq(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read last event seq: %w", err)
		}
		committed = last
	}

	failed, rebuilt := 0, 0
	for _, rec := range records {
		cmd, err := DecodeCommand(rec)
		if err != nil {
			return failed, err
		}
		_, batch, err := s.apply(ctx, cmd)
		if err != nil {
			failed++
			continue
		}
		if s.store == nil || batch == nil || batch.Events[0].Seq <= committed {
			continue
		}
		if err := s.store.Commit(ctx, batch); err != nil {
			return failed, fmt.Errorf("failed to commit events of command %d: %w", cmd.Seq, err)
		}
		rebuilt++
	}
	slog.Info("Replay finished",
		slog.Int("commands", len(records)),
		slog.Int("failed", failed),
		slog.Int("rebuilt", rebuilt),
		slog.Uint64("next_seq", s.NextSeq()))
	return failed, nil
}

// apply runs one stamped command against the components and, on success,
// returns its stamped events and the storage batch they produce. A failed
// command leaves no trace: every component is restored to the savepoint taken
// before dispatch, including changes made by nested collaborator callbacks.
func (s *Sequencer) apply(ctx context.Context, cmd Command) ([]event.Event, *domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sequence Gap Check (Halt Policy)
	if cmd.Seq != s.nextSeq {
		panic(fmt.Sprintf("SEQUENCE_GAP_DETECTED: expected %d, got %d", s.nextSeq, cmd.Seq))
	}
	s.nextSeq++
	s.clock = time.UnixMicro(cmd.Ts).UTC()

	s.rec.Drain()
	restore := s.savepoint()
	err := s.dispatch(ctx, cmd)
	evs := s.rec.Drain()
	if err != nil {
		restore()
		return nil, nil, err
	}

	for _, ev := range evs {
		ev.Stamp(s.nextEventSeq)
		s.nextEventSeq++
	}

	batch, err := s.batch(cmd.Seq, evs)
	if err != nil {
		panic(fmt.Sprintf("PROJECTION_FAILURE: %v", err))
	}
	return evs, batch, nil
}

func (s *Sequencer) savepoint() func() {
	savers := []domain.Saver{s.token, s.assets, s.market}
	if s.auction != nil {
		savers = append(savers, s.auction)
	}
	return domain.Savepoint(savers...)
}

func (s *Sequencer) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpListItem:
		return s.market.ListItem(ctx, cmd.Actor, cmd.Collection, cmd.AssetID, cmd.Price)
	case OpBuyItem:
		return s.market.BuyItem(ctx, cmd.Actor, cmd.Collection, cmd.AssetID)
	case OpUpdateItem:
		return s.market.UpdateItem(ctx, cmd.Actor, cmd.Collection, cmd.AssetID, cmd.Price)
	case OpCancelItem:
		return s.market.CancelItem(ctx, cmd.Actor, cmd.Collection, cmd.AssetID)
	case OpCreateAuction:
		return s.createAuction(cmd)
	case OpStartAuction:
		a, err := s.requireAuction(cmd.Op)
		if err != nil {
			return err
		}
		return a.Start(ctx, cmd.Actor)
	case OpPlaceBid:
		a, err := s.requireAuction(cmd.Op)
		if err != nil {
			return err
		}
		return a.Bid(ctx, cmd.Actor, cmd.Amount)
	case OpCloseAuction:
		a, err := s.requireAuction(cmd.Op)
		if err != nil {
			return err
		}
		return a.Close(ctx, cmd.Actor)
	case OpWithdraw:
		a, err := s.requireAuction(cmd.Op)
		if err != nil {
			return err
		}
		return a.Withdraw(ctx, cmd.Actor)
	case OpApproveToken:
		if err := s.token.Approve(cmd.Actor, cmd.Spender, cmd.Amount); err != nil {
			return domain.Wrap(string(cmd.Op), fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		}
		return nil
	case OpApproveAsset, OpApproveAll:
		return s.approveAsset(cmd)
	default:
		return domain.Wrap(string(cmd.Op), domain.ErrUnknownOp)
	}
}

func (s *Sequencer) createAuction(cmd Command) error {
	if s.auction != nil {
		return domain.Wrap(string(cmd.Op), domain.ErrAuctionExists)
	}
	a, err := auction.New(auction.Params{
		Self:          s.cfg.Auction,
		Asset:         cmd.Asset(),
		Token:         s.cfg.Token,
		Seller:        cmd.Actor,
		StartingPrice: cmd.Price,
		Duration:      cmd.Duration(),
	}, auction.Deps{
		Token:  s.token,
		Assets: s.assets,
		Sink:   s.rec,
		Now:    s.now,
	})
	if err != nil {
		return err
	}
	s.auction = a
	return nil
}

func (s *Sequencer) requireAuction(op Op) (*auction.Engine, error) {
	if s.auction == nil {
		return nil, domain.Wrap(string(op), domain.ErrNoAuction)
	}
	return s.auction, nil
}

func (s *Sequencer) approveAsset(cmd Command) error {
	col, ok := s.assets.Get(cmd.Collection)
	if !ok {
		return domain.Wrap(string(cmd.Op), domain.ErrUnknownCollection)
	}
	if cmd.Op == OpApproveAll {
		col.SetApprovalForAll(cmd.Actor, cmd.Spender, cmd.Approved)
		return nil
	}
	err := col.Approve(cmd.Actor, cmd.Spender, cmd.AssetID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotAuthorized):
		return domain.Wrap(string(cmd.Op), fmt.Errorf("%w: %w", domain.ErrNotOwner, err))
	default:
		return domain.Wrap(string(cmd.Op), fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
	}
}

// batch builds the storage writes for a successful command. Listings are
// re-read for every asset an event mentions; the auction and its refund ledger
// are written whenever an auction event was emitted.
func (s *Sequencer) batch(cmdSeq uint64, evs []event.Event) (*domain.Batch, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	b := &domain.Batch{CommandSeq: cmdSeq}
	seen := make(map[domain.AssetKey]bool)
	auctionTouched := false

	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", ev.GetType(), err)
		}
		b.Events = append(b.Events, domain.EventRecord{
			Seq:        ev.GetSeq(),
			CommandSeq: cmdSeq,
			Type:       ev.GetType().String(),
			Ts:         ev.GetTs(),
			Payload:    payload,
		})

		switch e := ev.(type) {
		case *event.ItemListed:
			seen[e.Asset] = true
		case *event.ItemUpdated:
			seen[e.Asset] = true
		case *event.ItemCanceled:
			seen[e.Asset] = true
		case *event.ItemBought:
			seen[e.Asset] = true
		default:
			auctionTouched = true
		}
	}

	for key := range seen {
		if l, ok := s.market.GetListing(key.Collection, key.ID); ok {
			b.UpsertListings = append(b.UpsertListings, ListingRecordOf(l))
		} else {
			b.RemoveListings = append(b.RemoveListings, domain.ListingRecord{Collection: string(key.Collection), AssetID: uint64(key.ID)})
		}
	}

	if auctionTouched && s.auction != nil {
		rec := AuctionRecordOf(s.auction.Snapshot())
		b.Auction = &rec
		for _, r := range s.auction.Refunds() {
			b.Refunds = append(b.Refunds, domain.RefundRecord{
				Engine:  string(s.auction.Address()),
				Bidder:  string(r.Bidder),
				Balance: r.Balance,
			})
		}
	}
	return b, nil
}

func (s *Sequencer) count(evs []event.Event) {
	for _, ev := range evs {
		switch e := ev.(type) {
		case *event.BidPlaced:
			s.metrics.RecordBid()
		case *event.ItemBought:
			s.metrics.RecordSale()
		case *event.AuctionClosed:
			if e.Winner.Valid {
				s.metrics.RecordSale()
			}
		case *event.Withdrawn:
			s.metrics.RecordWithdrawal()
		}
	}
}

// ListingRecordOf converts a listing to its persisted projection.
func ListingRecordOf(l domain.Listing) domain.ListingRecord {
	return domain.ListingRecord{
		Collection: string(l.Key.Collection),
		AssetID:    uint64(l.Key.ID),
		Seller:     string(l.Seller),
		Price:      l.Price,
	}
}

// AuctionRecordOf converts an auction snapshot to its persisted projection.
func AuctionRecordOf(snap domain.AuctionSnapshot) domain.AuctionRecord {
	return domain.AuctionRecord{
		Engine:        string(snap.Engine),
		Collection:    string(snap.Asset.Collection),
		AssetID:       uint64(snap.Asset.ID),
		Token:         string(snap.SettlementToken),
		Seller:        string(snap.Seller),
		DurationSec:   int64(snap.Duration / time.Second),
		Started:       snap.Started,
		Closed:        snap.Closed,
		EndsAt:        snap.EndsAt,
		HighestBidder: string(snap.HighestBidder.Addr),
		HasBidder:     snap.HighestBidder.Valid,
		HighestBid:    snap.HighestBid,
	}
}

// ======================================================================================
// External reads
// ======================================================================================

// AuctionView is the externally visible auction state.
type AuctionView struct {
	domain.AuctionSnapshot
	Phase   string           `json:"phase"`
	Expired bool             `json:"expired"`
	Custody int64            `json:"custody"`
	Refunds []auction.Refund `json:"refunds"`
}

// NextSeq returns the sequence number the next command will receive.
func (s *Sequencer) NextSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq
}

// Listing returns the active listing for an asset.
func (s *Sequencer) Listing(collection domain.Address, id domain.AssetID) (domain.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market.GetListing(collection, id)
}

// Listings returns all active listings.
func (s *Sequencer) Listings() []domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market.Listings()
}

// HasAuction reports whether create_auction has been applied.
func (s *Sequencer) HasAuction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auction != nil
}

// Auction returns the auction state. Expiry is judged against the wall clock.
func (s *Sequencer) Auction() (AuctionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auction == nil {
		return AuctionView{}, false
	}
	snap := s.auction.Snapshot()
	return AuctionView{
		AuctionSnapshot: snap,
		Phase:           snap.Phase().String(),
		Expired:         snap.Started && !s.wall().Before(snap.EndsAt),
		Custody:         s.auction.Custody(),
		Refunds:         s.auction.Refunds(),
	}, true
}

// RefundBalance returns the withdrawable refund of addr.
func (s *Sequencer) RefundBalance(addr domain.Address) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auction == nil {
		return 0, false
	}
	return s.auction.Balance(addr), true
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	// Called from the loop's recover: the write lock is no longer held.
	s.mu.RLock()
	data := struct {
		NextSeq      uint64                  `json:"next_seq"`
		NextEventSeq uint64                  `json:"next_event_seq"`
		Listings     []domain.Listing        `json:"listings"`
		Auction      *domain.AuctionSnapshot `json:"auction,omitempty"`
		Refunds      []auction.Refund        `json:"refunds,omitempty"`
		Balances     []ledger.Holding        `json:"balances"`
	}{
		NextSeq:      s.nextSeq,
		NextEventSeq: s.nextEventSeq,
		Listings:     s.market.Listings(),
		Balances:     s.token.Balances(),
	}
	if s.auction != nil {
		snap := s.auction.Snapshot()
		data.Auction = &snap
		data.Refunds = s.auction.Refunds()
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}

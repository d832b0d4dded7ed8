package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/infra"
)

const testConfig = `
app:
  name: nft_market_test
token:
  address: 0xUSD
  symbol: USD
  decimals: 2
marketplace:
  address: 0xmarket
auction:
  enabled: true
  address: 0xauction
  seller: 0xalice
  collection: 0xpunks
  asset_id: 2
  starting_price: "1.50"
  duration: 1h
genesis:
  balances:
    0xbob: "%s"
  assets:
    - {collection: 0xpunks, id: 1, owner: 0xalice}
    - {collection: 0xpunks, id: 2, owner: 0xalice}
storage:
  driver: sqlite
  dsn: %s
logging:
  level: debug
  dir: %s
engine:
  dump_file: %s
`

func writeConfig(t *testing.T, dir, bobBalance string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(testConfig, bobBalance,
		filepath.Join(dir, "market.db"), filepath.Join(dir, "logs"), filepath.Join(dir, "dump.json"))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// start runs the sequencer and returns a func that stops it and closes storage.
func start(t *testing.T, b *Bootstrap) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Sequencer.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
		if err := b.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}
}

func TestSeed(t *testing.T) {
	cfg, err := infra.ParseConfig([]byte(fmt.Sprintf(testConfig, "12.34", "x.db", t.TempDir(), "d.json")))
	if err != nil {
		t.Fatal(err)
	}
	tok, dir, err := Seed(cfg)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if tok.Address() != "0xusd" {
		t.Errorf("Expected lowercased token address, got %s", tok.Address())
	}
	if got := tok.BalanceOf("0xbob"); got != 1234 {
		t.Errorf("Expected 1234 base units, got %d", got)
	}
	col, ok := dir.Get("0xpunks")
	if !ok {
		t.Fatal("Expected collection 0xpunks")
	}
	for _, id := range []domain.AssetID{1, 2} {
		if owner, err := col.OwnerOf(id); err != nil || owner != "0xalice" {
			t.Errorf("asset %d: owner %s, err %v", id, owner, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	parse := func(balance string) *infra.Config {
		cfg, err := infra.ParseConfig([]byte(fmt.Sprintf(testConfig, balance, "x.db", t.TempDir(), "d.json")))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}
	a, err := Fingerprint(parse("10"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint(parse("10.00"))
	c, _ := Fingerprint(parse("11"))

	if a != b {
		t.Error("Equal amounts must produce the same fingerprint")
	}
	if a == c {
		t.Error("Different balances must produce different fingerprints")
	}
}

func TestBootstrap_RecoversFromLog(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "10")
	ctx := context.Background()

	b := NewBootstrap()
	if err := b.Initialize(ctx, path); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stop := start(t, b)

	if err := b.EnsureAuction(ctx); err != nil {
		t.Fatalf("EnsureAuction failed: %v", err)
	}
	for _, cmd := range []engine.Command{
		{Op: engine.OpApproveAsset, Actor: "0xalice", Collection: "0xpunks", AssetID: 1, Spender: "0xmarket"},
		{Op: engine.OpListItem, Actor: "0xalice", Collection: "0xpunks", AssetID: 1, Price: 500},
	} {
		if _, err := b.Sequencer.Submit(ctx, cmd); err != nil {
			t.Fatalf("%s failed: %v", cmd.Op, err)
		}
	}
	stop()

	// second process start: same config, state rebuilt from the log
	b2 := NewBootstrap()
	if err := b2.Initialize(ctx, path); err != nil {
		t.Fatalf("re-Initialize failed: %v", err)
	}
	stop2 := start(t, b2)
	defer stop2()

	if !b2.Sequencer.HasAuction() {
		t.Fatal("Expected auction to be recovered")
	}
	view, _ := b2.Sequencer.Auction()
	if view.HighestBid != 150 || view.Seller != "0xalice" {
		t.Errorf("Unexpected recovered auction: %+v", view.AuctionSnapshot)
	}
	l, ok := b2.Sequencer.Listing("0xpunks", 1)
	if !ok || l.Price != 500 {
		t.Errorf("Expected recovered listing at 500, got %+v (%v)", l, ok)
	}
	if next := b2.Sequencer.NextSeq(); next != 4 {
		t.Errorf("Expected next seq 4, got %d", next)
	}

	// EnsureAuction is idempotent across restarts
	if err := b2.EnsureAuction(ctx); err != nil {
		t.Fatalf("EnsureAuction after restart failed: %v", err)
	}
	if next := b2.Sequencer.NextSeq(); next != 4 {
		t.Errorf("EnsureAuction must not submit again, next seq %d", next)
	}
}

func TestBootstrap_RejectsChangedGenesis(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := NewBootstrap()
	if err := b.Initialize(ctx, writeConfig(t, dir, "10")); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stop := start(t, b)
	if err := b.EnsureAuction(ctx); err != nil {
		t.Fatal(err)
	}
	stop()

	b2 := NewBootstrap()
	err := b2.Initialize(ctx, writeConfig(t, dir, "99"))
	defer b2.Close()
	if !errors.Is(err, ErrGenesisChanged) {
		t.Fatalf("Expected ErrGenesisChanged, got %v", err)
	}
}

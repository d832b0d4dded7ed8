package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/infra"
	"nft_market/internal/infra/storage"
	"nft_market/internal/ledger"
	"nft_market/internal/server"
)

const (
	DefaultConfigPath = "configs/config.yaml"

	genesisKey = "genesis_fingerprint"
	feedBuffer = 256
)

// ErrGenesisChanged means the WAL was written against different genesis state.
var ErrGenesisChanged = errors.New("genesis configuration changed since the command log was started")

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Token     *ledger.Token
	Assets    *ledger.Directory
	Hub       *server.Hub
	Sequencer *engine.Sequencer
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, opens storage, seeds the paper collaborators
// and rebuilds state from the command log. The sequencer is not running yet.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping NFT market...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Genesis
	b.Token, b.Assets, err = Seed(cfg)
	if err != nil {
		return err
	}
	if err := b.checkGenesis(ctx); err != nil {
		return err
	}
	slog.Info("✅ Genesis state seeded",
		slog.Int("holders", len(cfg.Genesis.Balances)),
		slog.Int("assets", len(cfg.Genesis.Assets)))

	// 5. Sequencer
	b.Hub = server.NewHub(feedBuffer, infra.GlobalMetrics)
	b.Sequencer = engine.NewSequencer(engine.Config{
		InboxSize:   cfg.Engine.InboxSize,
		Marketplace: domain.Address(strings.ToLower(cfg.Marketplace.Address)),
		Auction:     domain.Address(strings.ToLower(cfg.Auction.Address)),
		Token:       b.Token.Address(),
		DumpFile:    cfg.Engine.DumpFile,
	}, b.Token, b.Assets,
		engine.WithStore(store),
		engine.WithPublisher(b.Hub))

	// 6. Replay
	records, err := store.LoadCommands(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to load command log: %w", err)
	}
	if _, err := b.Sequencer.Replay(ctx, records); err != nil {
		return fmt.Errorf("failed to replay command log: %w", err)
	}
	slog.Info("✅ State recovered", slog.Int("commands", len(records)))

	return nil
}

// EnsureAuction creates the configured auction unless one already exists.
// The sequencer must be running.
func (b *Bootstrap) EnsureAuction(ctx context.Context) error {
	ac := b.Config.Auction
	if !ac.Enabled || b.Sequencer.HasAuction() {
		return nil
	}
	price, err := b.Config.ToBaseUnits(ac.StartingPrice)
	if err != nil {
		return err
	}
	receipt, err := b.Sequencer.Submit(ctx, engine.Command{
		RequestID:   "bootstrap-create-auction",
		Op:          engine.OpCreateAuction,
		Actor:       domain.Address(ac.Seller),
		Collection:  domain.Address(ac.Collection),
		AssetID:     domain.AssetID(ac.AssetID),
		Price:       price,
		DurationSec: int64(ac.Duration.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}
	slog.Info("🔨 Auction created",
		slog.Uint64("seq", receipt.Seq),
		slog.String("seller", ac.Seller),
		slog.String("asset", fmt.Sprintf("%s#%d", ac.Collection, ac.AssetID)),
		slog.String("starting_price", infra.FormatAmount(price, b.Config.Token.Decimals)))
	return nil
}

// Close releases storage.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}

// checkGenesis pins the genesis fingerprint to the command log. Replaying a log
// against different opening balances would rebuild a different market.
func (b *Bootstrap) checkGenesis(ctx context.Context) error {
	fp, err := Fingerprint(b.Config)
	if err != nil {
		return err
	}
	settings, err := b.Storage.LoadConfigMap()
	if err != nil {
		return err
	}
	last, err := b.Storage.LastCommandSeq(ctx)
	if err != nil {
		return err
	}
	if stored, ok := settings[genesisKey]; ok && stored != fp && last > 0 {
		return fmt.Errorf("%w (stored %s, configured %s)", ErrGenesisChanged, stored[:12], fp[:12])
	}
	return b.Storage.SaveConfig(genesisKey, fp)
}

// Seed builds the paper token and collections from the genesis section.
func Seed(cfg *infra.Config) (*ledger.Token, *ledger.Directory, error) {
	tokenAddr, err := domain.ParseAddress(cfg.Token.Address)
	if err != nil {
		return nil, nil, &domain.ConfigError{Field: "token.address", Err: err}
	}
	tok := ledger.NewToken(tokenAddr)
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return nil, nil, err
	}
	for owner, units := range balances {
		if err := tok.Mint(owner, units); err != nil {
			return nil, nil, &domain.ConfigError{Field: "genesis.balances." + string(owner), Err: err}
		}
	}

	dir := ledger.NewDirectory()
	for i, a := range cfg.Genesis.Assets {
		colAddr, err := domain.ParseAddress(a.Collection)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: fmt.Sprintf("genesis.assets[%d].collection", i), Err: err}
		}
		owner, err := domain.ParseAddress(a.Owner)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: fmt.Sprintf("genesis.assets[%d].owner", i), Err: err}
		}
		col, ok := dir.Get(colAddr)
		if !ok {
			col = dir.Add(colAddr)
		}
		if err := col.Mint(owner, domain.AssetID(a.ID)); err != nil {
			return nil, nil, &domain.ConfigError{Field: fmt.Sprintf("genesis.assets[%d]", i), Err: err}
		}
	}
	return tok, dir, nil
}

// Fingerprint hashes everything replay depends on besides the log itself.
func Fingerprint(cfg *infra.Config) (string, error) {
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return "", err
	}
	owners := make([]string, 0, len(balances))
	for owner := range balances {
		owners = append(owners, string(owner))
	}
	sort.Strings(owners)

	assets := make([]string, 0, len(cfg.Genesis.Assets))
	for _, a := range cfg.Genesis.Assets {
		assets = append(assets, fmt.Sprintf("%s#%d=%s",
			strings.ToLower(a.Collection), a.ID, strings.ToLower(a.Owner)))
	}
	sort.Strings(assets)

	h := sha256.New()
	fmt.Fprintf(h, "token=%s/%d\n", strings.ToLower(cfg.Token.Address), cfg.Token.Decimals)
	fmt.Fprintf(h, "marketplace=%s\nauction=%s\n",
		strings.ToLower(cfg.Marketplace.Address), strings.ToLower(cfg.Auction.Address))
	for _, owner := range owners {
		fmt.Fprintf(h, "balance %s=%d\n", owner, balances[domain.Address(owner)])
	}
	for _, a := range assets {
		fmt.Fprintf(h, "asset %s\n", a)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

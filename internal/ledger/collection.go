package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"nft_market/internal/domain"
)

var (
	ErrNonexistentAsset   = errors.New("ledger: nonexistent asset")
	ErrAssetExists        = errors.New("ledger: asset already minted")
	ErrWrongOwner         = errors.New("ledger: transfer from incorrect owner")
	ErrNotAuthorized      = errors.New("ledger: caller is not owner nor approved")
	ErrUnknownCollection  = errors.New("ledger: unknown collection")
	ErrReceiverRejected   = errors.New("ledger: receiver rejected asset")
	ErrSelfApproval       = errors.New("ledger: approval to current owner")
	ErrEmptyTransferParty = errors.New("ledger: transfer to empty address")
)

// Receiver is notified by SafeTransferFrom when it receives an asset.
// Returning an error refuses the asset and reverts the transfer.
type Receiver interface {
	OnAssetReceived(ctx context.Context, operator, from domain.Address, id domain.AssetID) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, operator, from domain.Address, id domain.AssetID) error

func (f ReceiverFunc) OnAssetReceived(ctx context.Context, operator, from domain.Address, id domain.AssetID) error {
	return f(ctx, operator, from, id)
}

// Collection is an in-memory unique-asset registry with per-asset approvals
// and blanket operator approvals.
type Collection struct {
	addr      domain.Address
	mu        sync.Mutex
	owners    map[domain.AssetID]domain.Address
	approved  map[domain.AssetID]domain.Address
	operators map[domain.Address]map[domain.Address]bool
	receivers map[domain.Address]Receiver
}

// NewCollection creates an empty collection.
func NewCollection(addr domain.Address) *Collection {
	return &Collection{
		addr:      addr,
		owners:    make(map[domain.AssetID]domain.Address),
		approved:  make(map[domain.AssetID]domain.Address),
		operators: make(map[domain.Address]map[domain.Address]bool),
		receivers: make(map[domain.Address]Receiver),
	}
}

// Address returns the collection's own address.
func (c *Collection) Address() domain.Address { return c.addr }

// RegisterReceiver installs the callback SafeTransferFrom invokes for addr.
func (c *Collection) RegisterReceiver(addr domain.Address, r Receiver) {
	c.mu.Lock()
	c.receivers[addr] = r
	c.mu.Unlock()
}

// Mint creates asset id owned by to.
func (c *Collection) Mint(to domain.Address, id domain.AssetID) error {
	if to == "" {
		return ErrEmptyTransferParty
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[id]; ok {
		return fmt.Errorf("%w: %d", ErrAssetExists, id)
	}
	c.owners[id] = to
	return nil
}

func (c *Collection) OwnerOf(id domain.AssetID) (domain.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	return owner, nil
}

func (c *Collection) GetApproved(id domain.AssetID) domain.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approved[id]
}

func (c *Collection) IsApprovedForAll(owner, operator domain.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operators[owner][operator]
}

// Approve grants to the right to move id. The caller must own id or be an
// operator of its owner. An empty to clears the approval.
func (c *Collection) Approve(caller, to domain.Address, id domain.AssetID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	if to == owner {
		return ErrSelfApproval
	}
	if caller != owner && !c.operators[owner][caller] {
		return ErrNotAuthorized
	}
	if to == "" {
		delete(c.approved, id)
		return nil
	}
	c.approved[id] = to
	return nil
}

// SetApprovalForAll grants or revokes operator over every asset of owner.
func (c *Collection) SetApprovalForAll(owner, operator domain.Address, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.operators[owner]
	if !ok {
		m = make(map[domain.Address]bool)
		c.operators[owner] = m
	}
	if approved {
		m[operator] = true
	} else {
		delete(m, operator)
	}
}

func (c *Collection) TransferFrom(ctx context.Context, operator, from, to domain.Address, id domain.AssetID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.move(operator, from, to, id)
}

// SafeTransferFrom moves id and asks the receiver registered for to to accept
// it. A refusal reverts the move together with every collection change the
// receiver made.
func (c *Collection) SafeTransferFrom(ctx context.Context, operator, from, to domain.Address, id domain.AssetID) error {
	c.mu.Lock()
	receiver := c.receivers[to]
	var saved collectionState
	if receiver != nil {
		saved = c.copyState()
	}
	if err := c.move(operator, from, to, id); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if receiver == nil {
		return nil
	}
	if err := receiver.OnAssetReceived(ctx, operator, from, id); err != nil {
		c.mu.Lock()
		c.setState(saved)
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrReceiverRejected, err)
	}
	return nil
}

// Save implements domain.Saver. Registered receivers are not state.
func (c *Collection) Save() func() {
	c.mu.Lock()
	st := c.copyState()
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.setState(st)
		c.mu.Unlock()
	}
}

// move checks the transfer guard, moves id and clears its approval.
// Must be called with the lock held.
func (c *Collection) move(operator, from, to domain.Address, id domain.AssetID) error {
	owner, ok := c.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	if owner != from {
		return fmt.Errorf("%w: %d is owned by %s, not %s", ErrWrongOwner, id, owner, from)
	}
	if to == "" {
		return ErrEmptyTransferParty
	}
	if operator != from && c.approved[id] != operator && !c.operators[from][operator] {
		return fmt.Errorf("%w: %s on %d", ErrNotAuthorized, operator, id)
	}

	delete(c.approved, id)
	c.owners[id] = to
	return nil
}

type collectionState struct {
	owners    map[domain.AssetID]domain.Address
	approved  map[domain.AssetID]domain.Address
	operators map[domain.Address]map[domain.Address]bool
}

// copyState must be called with the lock held.
func (c *Collection) copyState() collectionState {
	return collectionState{
		owners:    maps.Clone(c.owners),
		approved:  maps.Clone(c.approved),
		operators: cloneOperators(c.operators),
	}
}

// setState must be called with the lock held.
func (c *Collection) setState(st collectionState) {
	c.owners = maps.Clone(st.owners)
	c.approved = maps.Clone(st.approved)
	c.operators = cloneOperators(st.operators)
}

func cloneOperators(src map[domain.Address]map[domain.Address]bool) map[domain.Address]map[domain.Address]bool {
	out := make(map[domain.Address]map[domain.Address]bool, len(src))
	for owner, m := range src {
		out[owner] = maps.Clone(m)
	}
	return out
}

// Directory maps collection addresses to in-memory collections.
type Directory struct {
	mu          sync.RWMutex
	collections map[domain.Address]*Collection
}

// NewDirectory creates a directory holding the given collections.
func NewDirectory(cols ...*Collection) *Directory {
	d := &Directory{collections: make(map[domain.Address]*Collection)}
	for _, c := range cols {
		d.collections[c.Address()] = c
	}
	return d
}

// Add registers a collection, creating it on first use.
func (d *Directory) Add(addr domain.Address) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[addr]; ok {
		return c
	}
	c := NewCollection(addr)
	d.collections[addr] = c
	return c
}

// Get returns the concrete collection for addr.
func (d *Directory) Get(addr domain.Address) (*Collection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[addr]
	return c, ok
}

// Save implements domain.Saver over every registered collection.
func (d *Directory) Save() func() {
	d.mu.RLock()
	restores := make([]func(), 0, len(d.collections))
	for _, c := range d.collections {
		restores = append(restores, c.Save())
	}
	d.mu.RUnlock()
	return func() {
		for _, restore := range restores {
			restore()
		}
	}
}

func (d *Directory) Collection(addr domain.Address) (domain.AssetRegistry, error) {
	c, ok := d.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, addr)
	}
	return c, nil
}

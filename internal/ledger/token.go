package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"nft_market/internal/domain"
	"nft_market/pkg/safe"
)

var (
	ErrNegativeAmount        = errors.New("ledger: negative amount")
	ErrBalanceExceeded       = errors.New("ledger: transfer amount exceeds balance")
	ErrAllowanceExceeded     = errors.New("ledger: transfer amount exceeds allowance")
	ErrInvalidTransferTarget = errors.New("ledger: transfer to empty address")
)

// TransferHook runs after a transfer has moved funds, outside the ledger lock.
// It may call back into the ledger or into the component that triggered the
// transfer. A non-nil error reverts the transfer together with every ledger
// change the hook made.
type TransferHook func(ctx context.Context, from, to domain.Address, amount int64) error

// Token is an in-memory fungible ledger with balances and allowances.
// It simulates the settlement token collaborator.
type Token struct {
	addr       domain.Address
	mu         sync.Mutex
	balances   map[domain.Address]int64
	allowances map[domain.Address]map[domain.Address]int64
	supply     int64
	hook       TransferHook
}

type tokenState struct {
	balances   map[domain.Address]int64
	allowances map[domain.Address]map[domain.Address]int64
	supply     int64
}

// NewToken creates an empty token ledger.
func NewToken(addr domain.Address) *Token {
	return &Token{
		addr:       addr,
		balances:   make(map[domain.Address]int64),
		allowances: make(map[domain.Address]map[domain.Address]int64),
	}
}

// Address returns the token's own address.
func (t *Token) Address() domain.Address { return t.addr }

// OnTransfer installs a hook that runs after every successful transfer.
func (t *Token) OnTransfer(hook TransferHook) {
	t.mu.Lock()
	t.hook = hook
	t.mu.Unlock()
}

// Mint credits new units to an account.
func (t *Token) Mint(to domain.Address, amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bal, err := safe.Add(t.balances[to], amount)
	if err != nil {
		return err
	}
	supply, err := safe.Add(t.supply, amount)
	if err != nil {
		return err
	}
	t.balances[to] = bal
	t.supply = supply
	return nil
}

// Approve sets the allowance spender may draw from owner.
func (t *Token) Approve(owner, spender domain.Address, amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[domain.Address]int64)
		t.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

func (t *Token) BalanceOf(owner domain.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[owner]
}

func (t *Token) Allowance(owner, spender domain.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// TotalSupply returns the sum of all minted units.
func (t *Token) TotalSupply() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

// Balances returns a copy of all non-zero balances sorted by address.
func (t *Token) Balances() []Holding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Holding, 0, len(t.balances))
	for addr, bal := range t.balances {
		if bal != 0 {
			out = append(out, Holding{Owner: addr, Amount: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Holding is one account balance.
type Holding struct {
	Owner  domain.Address `json:"owner"`
	Amount int64          `json:"amount"`
}

func (t *Token) Transfer(ctx context.Context, from, to domain.Address, amount int64) error {
	t.mu.Lock()
	saved := t.savedForHook()
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	hook := t.hook
	t.mu.Unlock()

	return t.runHook(ctx, hook, saved, from, to, amount)
}

func (t *Token) TransferFrom(ctx context.Context, spender, from, to domain.Address, amount int64) error {
	t.mu.Lock()
	allowed := t.allowances[from][spender]
	if amount > allowed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s allowed %d for %s, need %d", ErrAllowanceExceeded, from, allowed, spender, amount)
	}
	saved := t.savedForHook()
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	t.allowances[from][spender] = allowed - amount
	hook := t.hook
	t.mu.Unlock()

	return t.runHook(ctx, hook, saved, from, to, amount)
}

// Save implements domain.Saver.
func (t *Token) Save() func() {
	t.mu.Lock()
	st := t.copyState()
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.setState(st)
		t.mu.Unlock()
	}
}

// move must be called with the lock held.
func (t *Token) move(from, to domain.Address, amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if to == "" {
		return ErrInvalidTransferTarget
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrBalanceExceeded, from, t.balances[from], amount)
	}
	credited, err := safe.Add(t.balances[to], amount)
	if err != nil {
		return err
	}
	t.balances[from] -= amount
	if from == to {
		credited = t.balances[to] + amount
	}
	t.balances[to] = credited
	return nil
}

// savedForHook copies the state a failing hook reverts to. Nil without a hook.
// Must be called with the lock held.
func (t *Token) savedForHook() *tokenState {
	if t.hook == nil {
		return nil
	}
	st := t.copyState()
	return &st
}

func (t *Token) runHook(ctx context.Context, hook TransferHook, saved *tokenState, from, to domain.Address, amount int64) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, amount); err != nil {
		t.mu.Lock()
		t.setState(*saved)
		t.mu.Unlock()
		slog.Debug("Token transfer reverted by hook",
			slog.String("token", string(t.addr)),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Int64("amount", amount))
		return err
	}
	return nil
}

// copyState must be called with the lock held.
func (t *Token) copyState() tokenState {
	allowances := make(map[domain.Address]map[domain.Address]int64, len(t.allowances))
	for owner, m := range t.allowances {
		allowances[owner] = maps.Clone(m)
	}
	return tokenState{
		balances:   maps.Clone(t.balances),
		allowances: allowances,
		supply:     t.supply,
	}
}

// setState must be called with the lock held. st is copied so it can be
// restored more than once.
func (t *Token) setState(st tokenState) {
	t.balances = maps.Clone(st.balances)
	t.allowances = make(map[domain.Address]map[domain.Address]int64, len(st.allowances))
	for owner, m := range st.allowances {
		t.allowances[owner] = maps.Clone(m)
	}
	t.supply = st.supply
}

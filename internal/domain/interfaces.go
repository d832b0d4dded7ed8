package domain

import "context"

// FungibleLedger is the settlement token. The caller of Transfer and the spender
// of TransferFrom are explicit because there is no implicit message sender.
type FungibleLedger interface {
	BalanceOf(owner Address) int64
	Allowance(owner, spender Address) int64
	// Transfer moves amount from the caller's own account.
	Transfer(ctx context.Context, from, to Address, amount int64) error
	// TransferFrom moves amount out of from's account using spender's allowance.
	TransferFrom(ctx context.Context, spender, from, to Address, amount int64) error
}

// AssetRegistry is one collection of unique assets.
type AssetRegistry interface {
	OwnerOf(id AssetID) (Address, error)
	GetApproved(id AssetID) Address
	IsApprovedForAll(owner, operator Address) bool
	TransferFrom(ctx context.Context, operator, from, to Address, id AssetID) error
	// SafeTransferFrom additionally notifies a receiving component, which may refuse.
	SafeTransferFrom(ctx context.Context, operator, from, to Address, id AssetID) error
}

// AssetDirectory resolves a collection address to its registry.
type AssetDirectory interface {
	Collection(addr Address) (AssetRegistry, error)
}

// IsApprovedOperator reports whether operator may move id on behalf of owner,
// through either the single-token approval or a blanket operator approval.
func IsApprovedOperator(reg AssetRegistry, owner, operator Address, id AssetID) bool {
	return reg.GetApproved(id) == operator || reg.IsApprovedForAll(owner, operator)
}

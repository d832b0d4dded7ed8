package domain

// Listing is an active fixed-price offer for one asset.
// A zero Price never occurs in a stored listing; absence means "not listed".
type Listing struct {
	Key    AssetKey `json:"key"`
	Seller Address  `json:"seller"`
	Price  int64    `json:"price"`
}

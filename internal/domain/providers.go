package domain

import "context"

// PriceProvider serves spot prices in the quote currency. Implementations
// are expected to be cheap to call; the REST provider caches briefly and
// the feed keeps the price cache warm.
type PriceProvider interface {
	// GetPrice returns ErrPriceUnavailable when the source has no quote.
	GetPrice(ctx context.Context, asset string) (float64, error)
}

// SwapQuote is an aggregator quote for a single swap.
type SwapQuote struct {
	FromAsset   string
	ToAsset     string
	InAmount    float64
	OutAmount   float64
	Price       float64
	SlippageBps int
	Route       string
	QuoteID     string
}

// SwapPayload is an unsigned transaction built from a quote, ready for
// signing and submission. Raw is the serialized transaction; the base64
// form of it is what gets staged in a PendingSell.
type SwapPayload struct {
	Raw            []byte
	QuoteID        string
	LastValidBlock uint64
}

// SwapAggregator quotes and builds swap transactions against the DEX
// aggregator. BuildSwap binds the payload to the payer's address.
type SwapAggregator interface {
	GetQuote(ctx context.Context, fromAsset, toAsset string, amount float64, slippageBps int) (SwapQuote, error)
	BuildSwap(ctx context.Context, quote SwapQuote, payer string) (SwapPayload, error)
}

// Signer holds one signing identity. Custodial signers wrap the owner's
// managed key; ephemeral signers are generated per trade and discarded
// after the proceeds sweep.
type Signer interface {
	Address() string
	// SignPayload signs the raw transaction bytes and returns the
	// signature string. ErrSigningFailed wraps key-level failures.
	SignPayload(payload []byte) (string, error)
}

// LedgerClient submits signed transactions to the chain and waits for
// confirmation. Submit returns the confirmed transaction signature, or
// ErrStalePayload when the payload's validity window has lapsed.
type LedgerClient interface {
	Submit(ctx context.Context, payload []byte, signer Signer) (string, error)
	// Balance returns the address's spendable quote-currency balance.
	Balance(ctx context.Context, address string) (float64, error)
}

// ShieldProvider is the shielded balance service that funds private
// trades and receives swept proceeds.
type ShieldProvider interface {
	Balance(ctx context.Context, owner string) (float64, error)
	// Fund moves amount from the owner's shielded balance to the target
	// address. ErrInsufficientShield when the balance cannot cover it.
	Fund(ctx context.Context, owner, toAddress string, amount float64) error
	// Deposit sweeps amount from a funded address back into the owner's
	// shielded balance, consuming the address's signer.
	Deposit(ctx context.Context, owner string, from Signer, amount float64) error
}

// SignerResolver maps owners and addresses to signing identities.
type SignerResolver interface {
	// ResolveOwner returns the owner's custodial signer.
	ResolveOwner(ctx context.Context, owner string) (Signer, error)
	// ResolveAddress returns the signer for a previously issued ephemeral
	// address, or ErrNotFound once it has been discarded.
	ResolveAddress(ctx context.Context, address string) (Signer, error)
	// NewEphemeral mints a fresh one-time identity for a private trade.
	NewEphemeral(ctx context.Context, owner string) (Signer, error)
	// Discard forgets an ephemeral identity after its proceeds are swept.
	Discard(ctx context.Context, address string) error
}

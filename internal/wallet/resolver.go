package wallet

import (
	"context"
	"sync"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Resolver implements domain.SignerResolver. Every owner currently maps to
// the single custodial signer; ephemeral identities are minted on demand and
// held in memory until their proceeds are swept and Discard is called. An
// ephemeral key lost to a crash only strands the identity's dust, so the
// in-memory registry is an accepted trade-off against persisting raw keys.
type Resolver struct {
	custodial *KeySigner

	mu        sync.RWMutex
	ephemeral map[string]*KeySigner // address -> signer
}

var _ domain.SignerResolver = (*Resolver)(nil)

// NewResolver creates a Resolver around the custodial signer.
func NewResolver(custodial *KeySigner) *Resolver {
	return &Resolver{
		custodial: custodial,
		ephemeral: make(map[string]*KeySigner),
	}
}

// ResolveOwner returns the owner's custodial signer.
func (r *Resolver) ResolveOwner(ctx context.Context, owner string) (domain.Signer, error) {
	return r.custodial, nil
}

// ResolveAddress returns the signer for an issued address. The custodial
// address always resolves; an ephemeral address resolves until discarded.
func (r *Resolver) ResolveAddress(ctx context.Context, address string) (domain.Signer, error) {
	if address == r.custodial.Address() {
		return r.custodial, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.ephemeral[address]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

// NewEphemeral mints a fresh one-time identity and registers it for later
// ResolveAddress calls.
func (r *Resolver) NewEphemeral(ctx context.Context, owner string) (domain.Signer, error) {
	s, err := GenerateSigner()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.ephemeral[s.Address()] = s
	r.mu.Unlock()
	return s, nil
}

// Discard forgets an ephemeral identity. Discarding an unknown or already
// discarded address is a no-op.
func (r *Resolver) Discard(ctx context.Context, address string) error {
	r.mu.Lock()
	delete(r.ephemeral, address)
	r.mu.Unlock()
	return nil
}

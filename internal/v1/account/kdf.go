package account

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// kdfPool bounds concurrent bcrypt work so password hashing cannot starve the
// coordinator goroutines. Hash and Verify block until a slot frees up or the
// caller's context ends.
type kdfPool struct {
	slots chan struct{}
	cost  int
}

func newKDFPool(workers, cost int) *kdfPool {
	if workers < 1 {
		workers = 1
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &kdfPool{
		slots: make(chan struct{}, workers),
		cost:  cost,
	}
}

func (p *kdfPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *kdfPool) release() {
	<-p.slots
}

// Hash derives a verifier from the password.
func (p *kdfPool) Hash(ctx context.Context, password string) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	defer p.release()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares a password against a stored verifier. The comparison is
// constant-time. A malformed verifier counts as a mismatch, not an error, so
// absent and wrong credentials are indistinguishable to the caller.
func (p *kdfPool) Verify(ctx context.Context, verifier, password string) (bool, error) {
	if err := p.acquire(ctx); err != nil {
		return false, err
	}
	defer p.release()

	return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)) == nil, nil
}

package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Payment is a transfer request handed to the wallet.
type Payment struct {
	From      string
	To        string
	Amount    float64
	Currency  string
	Reference string
}

// Receipt is the outcome reported by the wallet after broadcast.
type Receipt struct {
	TxHash    string
	Timestamp time.Time
}

// Payer signs and broadcasts a payment. Settlement semantics belong to the
// wallet; callers only record the receipt.
type Payer interface {
	Pay(ctx context.Context, p Payment) (Receipt, error)
}

var ErrPaymentRejected = errors.New("payment rejected by wallet")

// MockPayer returns deterministic keccak transaction hashes without touching
// a chain.
type MockPayer struct {
	mu    sync.Mutex
	nonce uint64
	now   func() time.Time
	fail  error
}

func NewMockPayer() *MockPayer {
	return &MockPayer{now: time.Now}
}

// FailWith makes subsequent payments fail with err; nil restores success.
func (m *MockPayer) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MockPayer) Pay(ctx context.Context, p Payment) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if p.Amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: amount must be positive", ErrPaymentRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Receipt{}, m.fail
	}
	m.nonce++
	seed := fmt.Sprintf("%s|%s|%.9f|%s|%s|%d",
		strings.ToLower(p.From), strings.ToLower(p.To), p.Amount, p.Currency, p.Reference, m.nonce)
	return Receipt{
		TxHash:    crypto.Keccak256Hash([]byte(seed)).Hex(),
		Timestamp: m.now().UTC(),
	}, nil
}

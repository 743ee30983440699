// Package bank defines the collaborator boundaries of the settlement
// core: user collateral custody, external token movement, and signer
// authorization. The core consumes these only through explicit
// debit/credit calls; custody itself lives outside the engine.
package bank

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound is returned for operations on unknown users.
	ErrWalletNotFound = errors.New("bank: wallet not found")

	// ErrWalletExists is returned when initializing a wallet twice.
	ErrWalletExists = errors.New("bank: wallet already exists")

	// ErrAmountTooLow is returned for non-positive amounts.
	ErrAmountTooLow = errors.New("bank: amount must be positive")

	// ErrBalanceTooLow is returned when a debit exceeds spendable funds.
	ErrBalanceTooLow = errors.New("bank: balance too low")

	// ErrNotAuthorized is returned when a signer lacks the required role.
	ErrNotAuthorized = errors.New("bank: not authorized")
)

// Wallet is a user's collateral state. Unredeemable funds can be spent
// on orders but never withdrawn.
type Wallet struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	Unredeemable decimal.Decimal `json:"unredeemable_balance"`
}

// Spendable is the total available for order debits.
func (w Wallet) Spendable() decimal.Decimal {
	return w.Balance.Add(w.Unredeemable)
}

// BalanceLedger custodies user collateral balances.
type BalanceLedger interface {
	// InitWallet creates a zero-balance wallet for the user.
	InitWallet(userID string) error

	// Credit adds redeemable funds.
	Credit(userID string, amount decimal.Decimal) error

	// CreditUnredeemable adds funds spendable on orders but not
	// withdrawable.
	CreditUnredeemable(userID string, amount decimal.Decimal) error

	// Debit removes spendable funds, drawing unredeemable first.
	Debit(userID string, amount decimal.Decimal) error

	// Withdraw removes redeemable funds only.
	Withdraw(userID string, amount decimal.Decimal) error

	// Balance returns the wallet snapshot.
	Balance(userID string) (Wallet, error)
}

// TokenTransferGateway moves the underlying collateral token and routes
// fees. Pass-through from the core's perspective.
type TokenTransferGateway interface {
	Transfer(source, destination string, amount decimal.Decimal) error
	TransferFee(source, feeAccount string, amount decimal.Decimal) error
}

// Role classifies a signer.
type Role int

const (
	RoleUser Role = iota
	RoleOperator
)

// AuthorizationGate resolves a signer to a role.
type AuthorizationGate interface {
	Check(signer string) (Role, error)
}

// MemoryLedger implements BalanceLedger with in-memory wallets. Used for
// testing and development.
type MemoryLedger struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{wallets: make(map[string]*Wallet)}
}

func (l *MemoryLedger) InitWallet(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.wallets[userID]; ok {
		return ErrWalletExists
	}
	l.wallets[userID] = &Wallet{
		UserID:       userID,
		Balance:      decimal.Zero,
		Unredeemable: decimal.Zero,
	}
	return nil
}

func (l *MemoryLedger) Credit(userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

func (l *MemoryLedger) CreditUnredeemable(userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Unredeemable = w.Unredeemable.Add(amount)
	return nil
}

func (l *MemoryLedger) Debit(userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if amount.GreaterThan(w.Spendable()) {
		return ErrBalanceTooLow
	}
	// Unredeemable funds are consumed first.
	if amount.LessThanOrEqual(w.Unredeemable) {
		w.Unredeemable = w.Unredeemable.Sub(amount)
		return nil
	}
	remainder := amount.Sub(w.Unredeemable)
	w.Unredeemable = decimal.Zero
	w.Balance = w.Balance.Sub(remainder)
	return nil
}

func (l *MemoryLedger) Withdraw(userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if amount.GreaterThan(w.Balance) {
		return ErrBalanceTooLow
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func (l *MemoryLedger) Balance(userID string) (Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

// TransferRecord is one recorded token movement.
type TransferRecord struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
	Fee         bool
}

// MemoryGateway implements TokenTransferGateway by recording transfers.
type MemoryGateway struct {
	mu        sync.Mutex
	transfers []TransferRecord
}

// NewMemoryGateway creates an empty recording gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{}
}

func (g *MemoryGateway) Transfer(source, destination string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, TransferRecord{Source: source, Destination: destination, Amount: amount})
	return nil
}

func (g *MemoryGateway) TransferFee(source, feeAccount string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrAmountTooLow
	}
	if amount.IsZero() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, TransferRecord{Source: source, Destination: feeAccount, Amount: amount, Fee: true})
	return nil
}

// Transfers returns a snapshot of recorded movements.
func (g *MemoryGateway) Transfers() []TransferRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TransferRecord, len(g.transfers))
	copy(out, g.transfers)
	return out
}

// StaticGate authorizes a single configured operator key; every other
// signer resolves to RoleUser.
type StaticGate struct {
	OperatorKey string
}

func (g StaticGate) Check(signer string) (Role, error) {
	if signer == "" {
		return RoleUser, ErrNotAuthorized
	}
	if signer == g.OperatorKey {
		return RoleOperator, nil
	}
	return RoleUser, nil
}

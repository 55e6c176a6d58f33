// Package bridge is the opaque cross-chain transfer contract. Delivery is
// eventually consistent: funds leave on BridgeToken and arrive only when the
// relay reports completion, so in-flight amounts are tracked per chain.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"prize-vault/internal/amount"
	"prize-vault/internal/ledger"
	"prize-vault/internal/vaulterr"
)

var (
	ErrUnknownTransfer = errors.New("unknown bridge transfer")
	ErrAlreadySettled  = errors.New("bridge transfer already settled")
)

// Bridge sends tokens to another chain and returns a request ID.
type Bridge interface {
	BridgeToken(ctx context.Context, dstChain uint64, token common.Address, amt *uint256.Int, recipient common.Address, data []byte) (string, error)
}

// Status of a transfer.
type Status string

const (
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusRefunded  Status = "REFUNDED"
)

// Transfer is one bridge request.
type Transfer struct {
	ID        string
	DstChain  uint64
	Token     common.Address
	Amount    *uint256.Int
	Recipient common.Address
	Data      []byte
	SentAt    time.Time
	SettledAt time.Time
	Status    Status
}

// Escrow is a Bridge that parks funds at an escrow account until the relay
// confirms delivery (Complete) or the transfer is abandoned (Refund).
type Escrow struct {
	mu        sync.Mutex
	token     ledger.Token
	address   common.Address
	sender    common.Address
	clock     clockwork.Clock
	transfers map[string]*Transfer
	order     []string
	logger    zerolog.Logger
}

// NewEscrow builds an escrow bridge that pulls from sender using its approval.
func NewEscrow(token ledger.Token, address, sender common.Address, clock clockwork.Clock, logger zerolog.Logger) *Escrow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Escrow{
		token:     token,
		address:   address,
		sender:    sender,
		clock:     clock,
		transfers: make(map[string]*Transfer),
		logger:    logger.With().Str("component", "bridge").Logger(),
	}
}

// Address is the escrow account.
func (b *Escrow) Address() common.Address { return b.address }

func (b *Escrow) BridgeToken(ctx context.Context, dstChain uint64, token common.Address, amt *uint256.Int, recipient common.Address, data []byte) (string, error) {
	const op = "bridge.BridgeToken"
	if err := ctx.Err(); err != nil {
		return "", vaulterr.External(op, err)
	}
	if amt == nil || amt.IsZero() {
		return "", vaulterr.Validation(op, vaulterr.ErrZeroAmount)
	}
	if recipient == (common.Address{}) {
		return "", vaulterr.Validation(op, vaulterr.ErrNullAddress)
	}
	if token != b.token.Asset() {
		return "", vaulterr.Validation(op, fmt.Errorf("unsupported token %s", token.Hex()))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.token.TransferFrom(b.address, b.sender, b.address, amt); err != nil {
		return "", err
	}
	id := uuid.NewString()
	b.transfers[id] = &Transfer{
		ID:        id,
		DstChain:  dstChain,
		Token:     token,
		Amount:    amt.Clone(),
		Recipient: recipient,
		Data:      append([]byte(nil), data...),
		SentAt:    b.clock.Now(),
		Status:    StatusInFlight,
	}
	b.order = append(b.order, id)
	b.logger.Info().Str("request_id", id).Uint64("dst_chain", dstChain).Str("amount", amt.Dec()).Msg("bridge transfer sent")
	return id, nil
}

// Complete delivers an in-flight transfer to its recipient.
func (b *Escrow) Complete(id string) (Transfer, error) {
	return b.settle("bridge.Complete", id, StatusCompleted)
}

// Refund returns an in-flight transfer to the sender.
func (b *Escrow) Refund(id string) (Transfer, error) {
	return b.settle("bridge.Refund", id, StatusRefunded)
}

func (b *Escrow) settle(op, id string, status Status) (Transfer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.transfers[id]
	if !ok {
		return Transfer{}, vaulterr.Validation(op, fmt.Errorf("%w: %s", ErrUnknownTransfer, id))
	}
	if t.Status != StatusInFlight {
		return Transfer{}, vaulterr.Replay(op, fmt.Errorf("%w: %s is %s", ErrAlreadySettled, id, t.Status))
	}
	to := t.Recipient
	if status == StatusRefunded {
		to = b.sender
	}
	if err := b.token.Transfer(b.address, to, t.Amount); err != nil {
		return Transfer{}, err
	}
	t.Status = status
	t.SettledAt = b.clock.Now()
	b.logger.Info().Str("request_id", id).Str("status", string(status)).Str("amount", t.Amount.Dec()).Msg("bridge transfer settled")
	return *t, nil
}

// Get returns a transfer by ID.
func (b *Escrow) Get(id string) (Transfer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// InFlight sums unsettled transfers.
func (b *Escrow) InFlight() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := amount.Zero()
	for _, t := range b.transfers {
		if t.Status == StatusInFlight {
			total.Add(total, t.Amount)
		}
	}
	return total
}

// InFlightByChain sums unsettled transfers per destination chain.
func (b *Escrow) InFlightByChain() map[uint64]*uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint64]*uint256.Int)
	for _, t := range b.transfers {
		if t.Status != StatusInFlight {
			continue
		}
		if _, ok := out[t.DstChain]; !ok {
			out[t.DstChain] = amount.Zero()
		}
		out[t.DstChain].Add(out[t.DstChain], t.Amount)
	}
	return out
}

// Overdue lists in-flight transfers older than timeout, oldest first.
func (b *Escrow) Overdue(timeout time.Duration) []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var out []Transfer
	for _, id := range b.order {
		t := b.transfers[id]
		if t.Status == StatusInFlight && now.Sub(t.SentAt) >= timeout {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

var _ Bridge = (*Escrow)(nil)

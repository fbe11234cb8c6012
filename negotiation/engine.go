// Package negotiation runs the per-room offer state machine and settles
// accepted offers into the trade ledger.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/storage"
)

var (
	ErrNoPendingOffer      = errors.New("negotiation: no pending offer")
	ErrOfferPending        = errors.New("negotiation: an offer is already pending")
	ErrNotHolder           = errors.New("negotiation: seller does not hold the asset")
	ErrWrongBuyer          = errors.New("negotiation: offer is addressed to another agent")
	ErrWrongSeller         = errors.New("negotiation: offer was made by another agent")
	ErrInsufficientBalance = errors.New("negotiation: buyer balance below price")
	ErrAssetMismatch       = errors.New("negotiation: asset does not match pending offer")
	ErrNotOccupant         = errors.New("negotiation: both parties must be in the room")
	ErrInvalidPrice        = errors.New("negotiation: price must not be negative")
)

// TransferPolicy says what happens to the seller's unit when a trade settles.
type TransferPolicy int

const (
	// Copy leaves the seller's unit in place and gives the buyer its own.
	Copy TransferPolicy = iota
	// Move takes the unit away from the seller.
	Move
)

func (p TransferPolicy) String() string {
	if p == Copy {
		return "copy"
	}
	return "move"
}

// Policies maps asset kinds to transfer policies. Unknown kinds move.
type Policies map[core.AssetKind]TransferPolicy

func DefaultPolicies() Policies {
	return Policies{
		core.KindInformation: Copy,
		core.KindExclusive:   Move,
	}
}

func (p Policies) For(kind core.AssetKind) TransferPolicy {
	if policy, ok := p[kind]; ok {
		return policy
	}
	return Move
}

type Config struct {
	Policies       Policies
	ReputationStep float64
	// KindOf resolves the asset kind of an asset id. Nil treats every asset
	// as information.
	KindOf func(assetID string) core.AssetKind
}

func DefaultConfig() Config {
	return Config{Policies: DefaultPolicies(), ReputationStep: 0.1}
}

// Engine mutates the rooms and agents it is handed. Callers guarantee that a
// room and its two occupants are only processed by one goroutine at a time.
type Engine struct {
	cfg     Config
	ledger  *Ledger
	persist storage.Persister
	notify  communication.Notifier
	clock   core.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, ledger *Ledger, persist storage.Persister, notify communication.Notifier,
	clock core.Clock, log *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Engine{cfg: cfg, ledger: ledger, persist: persist, notify: notify, clock: clock, log: log, metrics: m}
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

// SetKindResolver replaces the asset kind lookup.
func (e *Engine) SetKindResolver(fn func(assetID string) core.AssetKind) {
	e.cfg.KindOf = fn
}

func (e *Engine) kindOf(assetID string) core.AssetKind {
	if e.cfg.KindOf == nil {
		return core.KindInformation
	}
	return e.cfg.KindOf(assetID)
}

// CreateOffer opens a pending offer from seller to buyer in room.
func (e *Engine) CreateOffer(room *core.Room, seller, buyer *core.Agent, assetID string, price int64) (*core.Offer, error) {
	if seller.ID == buyer.ID || !room.HasOccupant(seller.ID) || !room.HasOccupant(buyer.ID) {
		return nil, ErrNotOccupant
	}
	if room.PendingOffer() != nil {
		return nil, ErrOfferPending
	}
	if price < 0 {
		return nil, ErrInvalidPrice
	}
	if !seller.Holds(assetID) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotHolder, seller.ID, assetID)
	}

	offer := &core.Offer{
		FromID:    seller.ID,
		ToID:      buyer.ID,
		AssetID:   assetID,
		Price:     price,
		Status:    core.OfferPending,
		CreatedAt: e.clock.Now(),
	}
	room.ActiveOffer = offer

	e.persist.SaveRoom(*room)
	e.notify.Publish(communication.TopicOfferCreated, communication.OfferUpdate{RoomID: room.ID, Offer: *offer})
	e.log.Info("offer created",
		zap.String("room", room.ID),
		zap.String("seller", seller.ID),
		zap.String("buyer", buyer.ID),
		zap.String("asset", assetID),
		zap.Int64("price", price))
	return offer, nil
}

// AcceptOffer settles the pending offer in room. seller must be the agent
// that made it.
func (e *Engine) AcceptOffer(room *core.Room, buyer, seller *core.Agent, assetID string) (core.TradeRecord, error) {
	offer := room.PendingOffer()
	if offer == nil {
		return core.TradeRecord{}, ErrNoPendingOffer
	}
	if offer.AssetID != assetID {
		return core.TradeRecord{}, fmt.Errorf("%w: pending %s, got %s", ErrAssetMismatch, offer.AssetID, assetID)
	}
	if offer.ToID != buyer.ID {
		return core.TradeRecord{}, ErrWrongBuyer
	}
	if offer.FromID != seller.ID {
		return core.TradeRecord{}, ErrWrongSeller
	}
	if !room.HasOccupant(buyer.ID) || !room.HasOccupant(seller.ID) {
		return core.TradeRecord{}, ErrNotOccupant
	}
	if !seller.Holds(assetID) {
		return core.TradeRecord{}, fmt.Errorf("%w: %s no longer has %s", ErrNotHolder, seller.ID, assetID)
	}
	if buyer.Balance < offer.Price {
		return core.TradeRecord{}, fmt.Errorf("%w: balance %d, price %d", ErrInsufficientBalance, buyer.Balance, offer.Price)
	}

	policy := e.cfg.Policies.For(e.kindOf(assetID))
	switch policy {
	case Copy:
		if !buyer.Holds(assetID) {
			buyer.AddHolding(assetID, 1)
		}
	case Move:
		seller.RemoveHolding(assetID)
		buyer.AddHolding(assetID, 1)
	}
	seller.Balance += offer.Price
	buyer.Balance -= offer.Price
	seller.Reputation += e.cfg.ReputationStep
	buyer.Reputation += e.cfg.ReputationStep

	now := e.clock.Now()
	offer.Status = core.OfferAccepted
	room.ActiveOffer = nil

	rec := core.TradeRecord{
		ID:        uuid.New().String(),
		FromID:    seller.ID,
		ToID:      buyer.ID,
		AssetID:   assetID,
		Price:     offer.Price,
		RoomID:    room.ID,
		Timestamp: now,
	}
	e.ledger.Append(rec)

	e.persist.SaveTrade(rec)
	e.persist.SaveAgent(*seller)
	e.persist.SaveAgent(*buyer)
	e.persist.SaveRoom(*room)

	e.notify.Publish(communication.TopicTradeExecuted, communication.TradeExecuted{
		Trade:         rec,
		SellerOwnerID: seller.OwnerID,
		BuyerOwnerID:  buyer.OwnerID,
	})
	e.notifyBalance(seller, offer.Price)
	e.notifyBalance(buyer, -offer.Price)
	e.metrics.Trade()

	e.log.Info("trade executed",
		zap.String("trade", rec.ID),
		zap.String("room", room.ID),
		zap.String("seller", seller.ID),
		zap.String("buyer", buyer.ID),
		zap.String("asset", assetID),
		zap.Int64("price", rec.Price),
		zap.Stringer("policy", policy))
	return rec, nil
}

func (e *Engine) notifyBalance(a *core.Agent, delta int64) {
	if a.OwnerID == "" {
		return
	}
	e.notify.Publish(communication.TopicBalanceChanged, communication.BalanceChanged{
		AgentID: a.ID,
		OwnerID: a.OwnerID,
		Balance: a.Balance,
		Delta:   delta,
	})
}

// CancelOffer clears a pending offer. It reports whether there was one.
func (e *Engine) CancelOffer(room *core.Room, reason string) bool {
	offer := room.PendingOffer()
	if offer == nil {
		if room.ActiveOffer != nil {
			room.ActiveOffer = nil
		}
		return false
	}
	offer.Status = core.OfferCancelled
	room.ActiveOffer = nil

	e.persist.SaveRoom(*room)
	e.notify.Publish(communication.TopicOfferCancelled, communication.OfferUpdate{RoomID: room.ID, Offer: *offer, Reason: reason})
	e.log.Debug("offer cancelled", zap.String("room", room.ID), zap.String("asset", offer.AssetID), zap.String("reason", reason))
	return true
}

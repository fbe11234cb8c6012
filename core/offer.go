package core

import "time"

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// Offer is a proposed sale of an asset from FromID to ToID inside one room.
type Offer struct {
	FromID    string      `json:"from_id"`
	ToID      string      `json:"to_id"`
	AssetID   string      `json:"asset_id"`
	Price     int64       `json:"price"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// TradeRecord is the immutable ledger entry written for an accepted offer.
type TradeRecord struct {
	ID        string    `json:"id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	AssetID   string    `json:"asset_id"`
	Price     int64     `json:"price"`
	RoomID    string    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`
}

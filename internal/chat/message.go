package chat

import (
	"strings"

	"github.com/google/uuid"
)

// localIDPrefix marks placeholder ids generated on this device before the
// server has assigned an authoritative id.
const localIDPrefix = "local-"

// DeliveryState tracks the local delivery progression of a message.
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat message. Once a message carries a server-assigned
// id the id never changes; only Read and Delivery mutate in place.
// Temporary (locally originated, unconfirmed) messages are replaced
// wholesale when their confirmed counterpart arrives, never merged.
type Message struct {
	ID         string        `json:"id"`
	PeerID     string        `json:"peerId,omitempty"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	CreatedAt  int64         `json:"createdAt"` // unix milliseconds, server-authoritative when confirmed
	Read       bool          `json:"read"`
	Delivery   DeliveryState `json:"delivery,omitempty"`

	// ClientRef carries the sender's placeholder id through the send
	// path. Servers that echo it back enable exact-match reconciliation;
	// without it the content+time-window heuristic applies.
	ClientRef string `json:"clientRef,omitempty"`
}

// Before reports whether m sorts ahead of other in a timeline: ascending
// CreatedAt with an id tiebreak so the ordering is total and deterministic.
func (m Message) Before(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// IsTemporary reports whether the message still carries a placeholder id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// NewLocalID generates a placeholder message id.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// ReadReceipt is a far-end notification that a message was read. It names
// only the message, not its conversation; the ledger's reverse lookup
// resolves the peer.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
}

// PageInfo describes one page of a history fetch.
type PageInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	Total    int  `json:"total"`
	HasMore  bool `json:"hasMore"`
}

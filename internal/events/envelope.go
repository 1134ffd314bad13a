package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topics connecting the services. Topic names map 1:1 to broker exchanges.
const (
	TopicTransactionEvents = "transaction-events"
	TopicWalletEvents      = "wallet-events"
	TopicCustomerEvents    = "customer-events"
	TopicKYCEvents         = "kyc-events"
	TopicUserEvents        = "user-events"
)

// Event types carried on the topics above. TRANSACTION_INITIATED is part of
// the wire contract for rails that post asynchronously; this engine posts
// atomically and goes straight to COMPLETED or FAILED.
const (
	TypeTransactionInitiated = "TRANSACTION_INITIATED"
	TypeTransactionCompleted = "TRANSACTION_COMPLETED"
	TypeTransactionFailed    = "TRANSACTION_FAILED"
	TypeWalletCreated        = "WALLET_CREATED"
	TypeCustomerCreated      = "CUSTOMER_CREATED"
	TypeKYCVerified          = "KYC_VERIFIED"
	TypeKYCRejected          = "KYC_REJECTED"
	TypeUserRegistered       = "USER_REGISTERED"
)

// Envelope is the wire form shared by every topic. Key carries the natural
// entity id so partitioned backends can keep per-entity ordering.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for publication under the given event type.
func NewEnvelope(eventType, key string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:         uuid.New(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Outbound pairs an envelope with the topic it must be published on; the
// ledger store persists these rows atomically with the state change.
type Outbound struct {
	Topic    string
	Envelope Envelope
}

// TransactionEvent is the payload for transaction lifecycle types.
type TransactionEvent struct {
	TransactionID  uuid.UUID       `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Currency       string          `json:"currency"`
	SourceWalletID *uuid.UUID      `json:"source_wallet_id,omitempty"`
	DestWalletID   *uuid.UUID      `json:"dest_wallet_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// WalletEvent is the payload for WALLET_CREATED.
type WalletEvent struct {
	WalletID   uuid.UUID `json:"wallet_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Currency   string    `json:"currency"`
}

// CustomerEvent is the payload for CUSTOMER_CREATED.
type CustomerEvent struct {
	CustomerID uuid.UUID `json:"customer_id"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
}

// UserEvent is the payload for USER_REGISTERED, produced by the auth service.
type UserEvent struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// KYCEvent is the payload for KYC_VERIFIED and KYC_REJECTED.
type KYCEvent struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Reason     string    `json:"reason,omitempty"`
}

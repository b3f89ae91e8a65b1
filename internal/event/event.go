package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the business outcome reported by the producer.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// PaymentMethod identifies which source stream produced a unified event.
type PaymentMethod string

const (
	MethodCard   PaymentMethod = "CARD"
	MethodWallet PaymentMethod = "WALLET"
)

// Source is a producer-supplied event: either a *CardEvent or a *WalletEvent.
type Source interface {
	TxID() string
	Method() PaymentMethod
	sourceEvent()
}

// CardEvent is the wire shape of a card transaction.
type CardEvent struct {
	TransactionID  string          `json:"transactionId"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Status         Status          `json:"status"`
	CardNumber     string          `json:"cardNumber"`
	CardHolderName string          `json:"cardHolderName"`
	CardNetwork    string          `json:"cardNetwork"`
	ExpiryDate     string          `json:"expiryDate"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (*CardEvent) sourceEvent() {}
func (c *CardEvent) TxID() string { return c.TransactionID }
func (*CardEvent) Method() PaymentMethod { return MethodCard }

// WalletEvent is the wire shape of a mobile-wallet (UPI) transaction.
// Older producers send the account handle as accountRef instead of upiId.
type WalletEvent struct {
	TransactionID     string          `json:"transactionId"`
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	Status            Status          `json:"status"`
	UPIID             string          `json:"upiId,omitempty"`
	AccountRef        string          `json:"accountRef,omitempty"`
	DeviceID          string          `json:"deviceId"`
	WalletReferenceID string          `json:"walletReferenceId"`
	Timestamp         time.Time       `json:"timestamp"`
}

func (*WalletEvent) sourceEvent() {}
func (w *WalletEvent) TxID() string { return w.TransactionID }
func (*WalletEvent) Method() PaymentMethod { return MethodWallet }

// Unified is the normalized representation of any source transaction.
type Unified struct {
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	Status           Status          `json:"status"`
	PaymentMethod    PaymentMethod   `json:"paymentMethod"`
	PaymentReference string          `json:"paymentReference"`
	PaymentDetail    string          `json:"paymentDetail"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Package normalizer maps source-specific events onto the unified schema.
package normalizer

import "github.com/gyaneshwarpardhi/paystream/internal/event"

// Normalize converts a source event into its unified form.
// It is pure: the same input always yields the same output.
func Normalize(src event.Source) event.Unified {
	switch e := src.(type) {
	case *event.CardEvent:
		return fromCard(e)
	case *event.WalletEvent:
		return fromWallet(e)
	}
	// Source is sealed by an unexported method, so this is unreachable.
	panic("normalizer: unsupported source event")
}

func fromCard(c *event.CardEvent) event.Unified {
	return event.Unified{
		TransactionID:    c.TransactionID,
		UserID:           c.UserID,
		Amount:           c.Amount,
		Status:           c.Status,
		PaymentMethod:    event.MethodCard,
		PaymentReference: c.CardNumber,
		PaymentDetail:    c.CardNetwork,
		Timestamp:        c.Timestamp,
	}
}

func fromWallet(w *event.WalletEvent) event.Unified {
	ref := w.UPIID
	if ref == "" {
		ref = w.AccountRef
	}
	return event.Unified{
		TransactionID:    w.TransactionID,
		UserID:           w.UserID,
		Amount:           w.Amount,
		Status:           w.Status,
		PaymentMethod:    event.MethodWallet,
		PaymentReference: ref,
		PaymentDetail:    w.WalletReferenceID,
		Timestamp:        w.Timestamp,
	}
}

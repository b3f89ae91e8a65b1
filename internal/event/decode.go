package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("decode source event")

// DecodeError reports a source payload that could not be turned into a Source.
type DecodeError struct {
	Method PaymentMethod
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s event: %s: %v", e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s event: %s", e.Method, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decode parses a JSON payload from the source stream of method m.
// It checks only what the normalizer relies on: an id, a known status and
// a timestamp. Amount range is the aggregator's concern.
func Decode(m PaymentMethod, data []byte) (Source, error) {
	var (
		src Source
		err error
	)
	switch m {
	case MethodCard:
		var c CardEvent
		err = json.Unmarshal(data, &c)
		src = &c
	case MethodWallet:
		var w WalletEvent
		err = json.Unmarshal(data, &w)
		src = &w
	default:
		return nil, &DecodeError{Method: m, Reason: "unknown source stream"}
	}
	if err != nil {
		return nil, &DecodeError{Method: m, Reason: "invalid JSON", Err: err}
	}
	if err := validate(src); err != nil {
		return nil, &DecodeError{Method: m, Reason: err.Error()}
	}
	return src, nil
}

func validate(src Source) error {
	if src.TxID() == "" {
		return errors.New("transactionId is required")
	}
	var (
		status Status
		zeroTS bool
	)
	switch e := src.(type) {
	case *CardEvent:
		status, zeroTS = e.Status, e.Timestamp.IsZero()
	case *WalletEvent:
		status, zeroTS = e.Status, e.Timestamp.IsZero()
	}
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	if zeroTS {
		return errors.New("timestamp is required")
	}
	return nil
}

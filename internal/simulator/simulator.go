// Package simulator publishes synthetic card and wallet transactions onto the
// source channels so the pipeline has traffic without external producers.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paystream/internal/event"
	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

var (
	cardNetworks = []string{"VISA", "MASTERCARD", "AMEX", "RUPAY"}
	upiIDs       = []string{"user1@okbank", "user2@okbank", "user3@okbank", "user4@okbank", "user5@okbank"}
	devices      = []string{"Pixel-8", "Samsung-S24", "iPhone-15", "OnePlus-12"}
)

const (
	users           = 5
	maxCardAmount   = 5000
	maxWalletAmount = 3000
)

// Options configure a Simulator.
type Options struct {
	Interval    time.Duration
	FailureRate float64
	Seed        int64 // 0 seeds from the clock
}

// Simulator generates and publishes random source events.
type Simulator struct {
	pub  transport.Publisher
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(pub transport.Publisher, opts Options, log *slog.Logger) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		pub:  pub,
		opts: opts,
		log:  log.With("component", "simulator"),
		now:  time.Now,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

// Run publishes one card and one wallet event per interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	s.log.Info("simulator started", "interval", s.opts.Interval, "failure_rate", s.opts.FailureRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("simulated publish failed", "err", err)
			}
		}
	}
}

// PublishOnce sends one card event and one wallet event.
func (s *Simulator) PublishOnce(ctx context.Context) error {
	card := s.Card()
	if err := s.publish(ctx, transport.SourceCard, card.TransactionID, card); err != nil {
		return err
	}
	wallet := s.Wallet()
	return s.publish(ctx, transport.SourceWallet, wallet.TransactionID, wallet)
}

func (s *Simulator) publish(ctx context.Context, channel, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", channel, err)
	}
	if err := s.pub.Publish(ctx, channel, key, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Card returns a random card transaction.
func (s *Simulator) Card() *event.CardEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &event.CardEvent{
		TransactionID:  uuid.New().String(),
		UserID:         s.user(),
		Amount:         s.amount(maxCardAmount),
		Status:         s.status(),
		CardNumber:     fmt.Sprintf("XXXX-XXXX-XXXX-%d", 1000+s.rnd.Intn(9000)),
		CardHolderName: fmt.Sprintf("User %d", s.rnd.Intn(100)),
		CardNetwork:    cardNetworks[s.rnd.Intn(len(cardNetworks))],
		ExpiryDate:     "12/28",
		Timestamp:      s.now().UTC(),
	}
}

// Wallet returns a random wallet transaction.
func (s *Simulator) Wallet() *event.WalletEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &event.WalletEvent{
		TransactionID:     uuid.New().String(),
		UserID:            s.user(),
		Amount:            s.amount(maxWalletAmount),
		Status:            s.status(),
		UPIID:             upiIDs[s.rnd.Intn(len(upiIDs))],
		DeviceID:          devices[s.rnd.Intn(len(devices))],
		WalletReferenceID: "WLT-" + uuid.New().String()[:8],
		Timestamp:         s.now().UTC(),
	}
}

func (s *Simulator) user() string { return fmt.Sprintf("user-%d", 1+s.rnd.Intn(users)) }

func (s *Simulator) status() event.Status {
	if s.rnd.Float64() < s.opts.FailureRate {
		return event.StatusFailed
	}
	return event.StatusSuccess
}

// amount is uniform in [0, limit) with two decimal places.
func (s *Simulator) amount(limit int64) decimal.Decimal {
	return decimal.New(s.rnd.Int63n(limit*100), -2)
}

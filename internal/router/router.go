// Package router classifies unified events and fans them out to destinations.
//
// Classification runs two ordered stages, first match wins:
//
//	status: FAILED -> failed, otherwise -> success
//	method: CARD -> card, WALLET -> wallet (no fallback)
//
// Only success events reach the method stage. An event the method stage does
// not recognise is unroutable: it reaches no sink and no aggregate.
package router

import (
	"github.com/gyaneshwarpardhi/paystream/internal/event"
	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

// Label is the outcome of one classification stage.
type Label string

const (
	LabelFailed  Label = "failed"
	LabelSuccess Label = "success"
	LabelCard    Label = "card"
	LabelWallet  Label = "wallet"
)

// Destination is the closed set of places an event can be sent.
type Destination int

const (
	DestDLQ Destination = iota
	DestUnifiedSuccess
	DestSuccessCard
	DestSuccessWallet
	DestAggregate
	DestUnroutable
)

var destNames = map[Destination]string{
	DestDLQ:            "dlq",
	DestUnifiedSuccess: "unified_success",
	DestSuccessCard:    "success_card",
	DestSuccessWallet:  "success_wallet",
	DestAggregate:      "aggregate",
	DestUnroutable:     "unroutable",
}

func (d Destination) String() string { return destNames[d] }

// Route pairs a destination with the (unchanged) event sent there.
type Route struct {
	Destination Destination
	Channel     string // empty for DestAggregate
	Event       event.Unified
}

// Result is the full routing decision for one event.
type Result struct {
	Status     Label
	Method     Label // empty when the event never reached, or fell through, the method stage
	Unroutable bool
	Routes     []Route
}

// Options tune the router.
type Options struct {
	// UnroutableChannel, when set, receives events the method stage drops.
	// Left empty, unroutable events reach no sink.
	UnroutableChannel string
}

// Router holds the two classification stages. It is immutable and safe for
// concurrent use.
type Router struct {
	status stage
	method stage
	opts   Options
}

// New builds the status and method stages.
func New(opts Options) *Router {
	return &Router{
		status: stage{
			branches: []branch{
				{label: LabelFailed, match: func(ev *event.Unified) bool { return ev.Status == event.StatusFailed }},
			},
			fallback: LabelSuccess,
		},
		method: stage{
			branches: []branch{
				{label: LabelCard, match: func(ev *event.Unified) bool { return ev.PaymentMethod == event.MethodCard }},
				{label: LabelWallet, match: func(ev *event.Unified) bool { return ev.PaymentMethod == event.MethodWallet }},
			},
		},
		opts: opts,
	}
}

// Route classifies ev and returns every destination it must be delivered to.
func (r *Router) Route(ev event.Unified) Result {
	status, _ := r.status.classify(&ev) // exhaustive: fallback always matches
	res := Result{Status: status}
	if status == LabelFailed {
		res.Routes = []Route{{Destination: DestDLQ, Channel: transport.DLQFailed, Event: ev}}
		return res
	}

	method, ok := r.method.classify(&ev)
	if !ok {
		res.Unroutable = true
		if r.opts.UnroutableChannel != "" {
			res.Routes = []Route{{Destination: DestUnroutable, Channel: r.opts.UnroutableChannel, Event: ev}}
		}
		return res
	}
	res.Method = method

	perMethod := Route{Destination: DestSuccessCard, Channel: transport.SuccessCard, Event: ev}
	if method == LabelWallet {
		perMethod = Route{Destination: DestSuccessWallet, Channel: transport.SuccessWallet, Event: ev}
	}
	res.Routes = []Route{
		{Destination: DestUnifiedSuccess, Channel: transport.UnifiedSuccess, Event: ev},
		perMethod,
		{Destination: DestAggregate, Event: ev},
	}
	return res
}

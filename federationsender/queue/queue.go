// Copyright 2024 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/setup/process"
)

// Database is the part of the durable store used by the queues.
type Database interface {
	QueueRequest(ctx context.Context, kind api.OutgoingKind, event api.SendingEvent) (int64, error)
	ActiveRequests(ctx context.Context) ([]api.QueuedRequest, error)
	QueuedRequests(ctx context.Context, kind api.OutgoingKind, limit int) ([]api.QueuedRequest, error)
	QueuedKinds(ctx context.Context) ([]api.OutgoingKind, error)
	MarkAsActive(ctx context.Context, requests []api.QueuedRequest) error
	DeleteRequests(ctx context.Context, requests []api.QueuedRequest) error
	StorePDU(ctx context.Context, eventID string, pdu json.RawMessage) error
	GetPDU(ctx context.Context, eventID string) (json.RawMessage, error)
}

type Resolver interface {
	Resolve(ctx context.Context, serverName spec.ServerName) resolver.ResolvedDestination
}

// EDUSelector picks the stream EDUs (device lists, receipts, presence)
// to add to a fresh federation transaction.
type EDUSelector interface {
	SelectEDUs(ctx context.Context, destination spec.ServerName) ([]gomatrixserverlib.EDU, error)
}

// TransactionSender delivers one transaction. dest is nil for
// appservice kinds.
type TransactionSender interface {
	SendTransaction(
		ctx context.Context, kind api.OutgoingKind, dest *resolver.ResolvedDestination,
		txn *gomatrixserverlib.Transaction,
	) error
}

type stopper interface {
	Stop() bool
}

func init() {
	prometheus.MustRegister(
		destinationQueueRunning, destinationQueueBackingOff, transactionsTotal,
	)
}

var destinationQueueRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedsender",
		Name:      "destination_queues_running",
		Help:      "Number of kinds with a transaction in flight",
	},
)

var destinationQueueBackingOff = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedsender",
		Name:      "destination_queues_backing_off",
		Help:      "Number of kinds waiting to retry a failed transaction",
	},
)

var transactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedsender",
		Name:      "transactions_total",
		Help:      "Number of transactions delivered, by result",
	},
	[]string{"result"},
)

// batch is the set of work being delivered for a kind. It is kept
// after a failure so that the retry sends the same items.
type batch struct {
	items   []api.QueuedRequest
	edus    []gomatrixserverlib.EDU
	created time.Time
}

type wakeup struct {
	kind  api.OutgoingKind
	flush bool
}

type completion struct {
	kind api.OutgoingKind
	edus []gomatrixserverlib.EDU
	err  error
}

// OutgoingQueues delivers queued work to remote servers and appservices.
// A single coordinator goroutine owns the status of every kind, so at
// most one transaction per kind is ever in flight.
type OutgoingQueues struct {
	db        Database
	process   *process.ProcessContext
	disabled  bool
	origin    spec.ServerName
	resolver  Resolver
	selector  EDUSelector
	sender    TransactionSender
	sem       *semaphore.Weighted
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	incomingMutex sync.Mutex // protects incoming
	incoming      []wakeup
	notify        chan struct{}
	completions   chan completion
	admin         chan func(context.Context)

	// only touched by the coordinator goroutine
	statuses     map[api.OutgoingKind]*transactionStatus
	batches      map[api.OutgoingKind]*batch
	timers       map[api.OutgoingKind]stopper
	pendingFlush map[api.OutgoingKind]bool
}

// NewOutgoingQueues makes a new OutgoingQueues. Call Start to recover
// interrupted transactions and begin delivering.
func NewOutgoingQueues(
	db Database,
	process *process.ProcessContext,
	disabled bool,
	origin spec.ServerName,
	resolver Resolver,
	selector EDUSelector,
	sender TransactionSender,
	maxConcurrentTransactions int,
) *OutgoingQueues {
	if maxConcurrentTransactions <= 0 {
		maxConcurrentTransactions = 1
	}
	return &OutgoingQueues{
		db:           db,
		process:      process,
		disabled:     disabled,
		origin:       origin,
		resolver:     resolver,
		selector:     selector,
		sender:       sender,
		sem:          semaphore.NewWeighted(int64(maxConcurrentTransactions)),
		now:          time.Now,
		afterFunc:    realAfterFunc,
		notify:       make(chan struct{}, 1),
		completions:  make(chan completion),
		admin:        make(chan func(context.Context)),
		statuses:     map[api.OutgoingKind]*transactionStatus{},
		batches:      map[api.OutgoingKind]*batch{},
		timers:       map[api.OutgoingKind]stopper{},
		pendingFlush: map[api.OutgoingKind]bool{},
	}
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Start runs the coordinator until the process shuts down.
func (oqs *OutgoingQueues) Start() {
	oqs.process.ComponentStarted()
	go oqs.run(oqs.process.Context())
}

// Enqueue persists the event for kind and starts a transaction if the
// kind is idle.
func (oqs *OutgoingQueues) Enqueue(ctx context.Context, kind api.OutgoingKind, event api.SendingEvent) error {
	if oqs.disabled && !kind.IsAppservice() {
		log.Trace("Federation is disabled, not queueing")
		return nil
	}
	if _, err := oqs.db.QueueRequest(ctx, kind, event); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("oqs.db.QueueRequest: %w", err)
	}
	oqs.wake(kind, false)
	return nil
}

// SendEvent stores the PDU and queues it for each remote destination.
// The local server is never a destination.
func (oqs *OutgoingQueues) SendEvent(
	ctx context.Context, eventID string, pdu json.RawMessage, destinations []spec.ServerName,
) error {
	if oqs.disabled {
		log.Trace("Federation is disabled, not sending event")
		return nil
	}
	kinds := oqs.federationKinds(destinations)
	if len(kinds) == 0 {
		return nil
	}
	log.WithFields(log.Fields{
		"destinations": len(kinds), "event": eventID,
	}).Debug("Sending event")
	return oqs.sendPDU(ctx, eventID, pdu, kinds)
}

// SendEventToAppservices stores the PDU and queues it for each
// application service.
func (oqs *OutgoingQueues) SendEventToAppservices(
	ctx context.Context, eventID string, pdu json.RawMessage, appserviceIDs []string,
) error {
	if len(appserviceIDs) == 0 {
		return nil
	}
	kinds := make([]api.OutgoingKind, 0, len(appserviceIDs))
	for _, id := range appserviceIDs {
		kinds = append(kinds, api.AppserviceKind(id))
	}
	return oqs.sendPDU(ctx, eventID, pdu, kinds)
}

func (oqs *OutgoingQueues) sendPDU(
	ctx context.Context, eventID string, pdu json.RawMessage, kinds []api.OutgoingKind,
) error {
	// the PDU must exist before anything refers to it
	if err := oqs.db.StorePDU(ctx, eventID, pdu); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("sendevent: oqs.db.StorePDU: %w", err)
	}
	for _, kind := range kinds {
		if err := oqs.Enqueue(ctx, kind, api.PDUEvent(eventID)); err != nil {
			return err
		}
	}
	return nil
}

// SendEDU queues an EDU for each remote destination.
func (oqs *OutgoingQueues) SendEDU(
	ctx context.Context, e *gomatrixserverlib.EDU, destinations []spec.ServerName,
) error {
	if oqs.disabled {
		log.Trace("Federation is disabled, not sending EDU")
		return nil
	}
	kinds := oqs.federationKinds(destinations)
	if len(kinds) == 0 {
		return nil
	}
	log.WithFields(log.Fields{
		"destinations": len(kinds), "edu_type": e.Type,
	}).Debug("Sending EDU event")

	event, err := api.EDUEvent(e)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}
	for _, kind := range kinds {
		if err := oqs.Enqueue(ctx, kind, event); err != nil {
			return err
		}
	}
	return nil
}

// Flush wakes each destination without queueing anything, so that
// pending stream EDUs go out.
func (oqs *OutgoingQueues) Flush(destinations []spec.ServerName) {
	if oqs.disabled {
		return
	}
	for _, kind := range oqs.federationKinds(destinations) {
		oqs.wake(kind, true)
	}
}

// RetryServer retries a failed kind now, ignoring its backoff.
func (oqs *OutgoingQueues) RetryServer(ctx context.Context, kind api.OutgoingKind) error {
	return oqs.do(ctx, func(ctx context.Context) {
		status, ok := oqs.statuses[kind]
		switch {
		case !ok:
			oqs.startFresh(ctx, kind, false)
		case status.state == stateFailed:
			oqs.startRetry(ctx, kind)
		}
	})
}

// Status returns a snapshot of every kind that is not idle.
func (oqs *OutgoingQueues) Status(ctx context.Context) ([]DestinationStatus, error) {
	var result []DestinationStatus
	err := oqs.do(ctx, func(context.Context) {
		for kind, status := range oqs.statuses {
			s := DestinationStatus{
				Kind:      kind.Key(),
				State:     status.state.String(),
				Tries:     status.tries,
				BatchSize: len(oqs.batches[kind].items),
			}
			if !status.lastAttempt.IsZero() {
				s.LastAttempt = spec.AsTimestamp(status.lastAttempt)
			}
			if status.state == stateFailed {
				s.RetryAt = spec.AsTimestamp(status.retryAt())
			}
			result = append(result, s)
		}
	})
	return result, err
}

func (oqs *OutgoingQueues) federationKinds(destinations []spec.ServerName) []api.OutgoingKind {
	seen := make(map[spec.ServerName]struct{}, len(destinations))
	kinds := make([]api.OutgoingKind, 0, len(destinations))
	for _, d := range destinations {
		if d == oqs.origin || d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		kinds = append(kinds, api.FederationKind(d))
	}
	return kinds
}

// do runs fn on the coordinator goroutine and waits for it.
func (oqs *OutgoingQueues) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	select {
	case oqs.admin <- func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-oqs.process.WaitForShutdown():
		return fmt.Errorf("shutting down")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (oqs *OutgoingQueues) wake(kind api.OutgoingKind, flush bool) {
	oqs.incomingMutex.Lock()
	oqs.incoming = append(oqs.incoming, wakeup{kind: kind, flush: flush})
	oqs.incomingMutex.Unlock()
	select {
	case oqs.notify <- struct{}{}:
	default:
	}
}

// takeIncoming drains the incoming list, merging wake-ups for the same
// kind and keeping the order in which kinds first appeared.
func (oqs *OutgoingQueues) takeIncoming() []wakeup {
	oqs.incomingMutex.Lock()
	incoming := oqs.incoming
	oqs.incoming = nil
	oqs.incomingMutex.Unlock()

	merged := make([]wakeup, 0, len(incoming))
	index := make(map[api.OutgoingKind]int, len(incoming))
	for _, w := range incoming {
		if i, ok := index[w.kind]; ok {
			merged[i].flush = merged[i].flush || w.flush
			continue
		}
		index[w.kind] = len(merged)
		merged = append(merged, w)
	}
	return merged
}

func (oqs *OutgoingQueues) run(ctx context.Context) {
	defer oqs.process.ComponentFinished()
	oqs.recover(ctx)
	for {
		select {
		case <-ctx.Done():
			for _, timer := range oqs.timers {
				timer.Stop()
			}
			return
		case <-oqs.notify:
			for _, w := range oqs.takeIncoming() {
				oqs.poke(ctx, w.kind, w.flush)
			}
		case c := <-oqs.completions:
			oqs.complete(ctx, c)
		case fn := <-oqs.admin:
			fn(ctx)
		}
		oqs.updateGauges()
	}
}

// recover resends transactions that were in flight when the process
// last stopped.
func (oqs *OutgoingQueues) recover(ctx context.Context) {
	active, err := oqs.db.ActiveRequests(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to get active requests for recovery")
		sentry.CaptureException(err)
		return
	}
	var order []api.OutgoingKind
	byKind := map[api.OutgoingKind][]api.QueuedRequest{}
	for _, req := range active {
		if _, ok := byKind[req.Kind]; !ok {
			order = append(order, req.Kind)
		}
		byKind[req.Kind] = append(byKind[req.Kind], req)
	}
	for _, kind := range order {
		items := byKind[kind]
		if len(items) > api.MaxItemsPerTransaction {
			dropped := items[api.MaxItemsPerTransaction:]
			items = items[:api.MaxItemsPerTransaction]
			log.WithFields(log.Fields{
				"destination": kind.String(),
				"dropped":     len(dropped),
			}).Warn("Too many active requests, dropping the excess")
			if err := oqs.db.DeleteRequests(ctx, dropped); err != nil {
				log.WithError(err).WithField("destination", kind.String()).Error("Failed to delete excess active requests")
			}
		}
		log.WithFields(log.Fields{
			"destination": kind.String(),
			"items":       len(items),
		}).Info("Resuming interrupted transaction")
		b := &batch{items: items, created: oqs.now()}
		oqs.statuses[kind] = &transactionStatus{state: stateRunning}
		oqs.batches[kind] = b
		oqs.launch(ctx, kind, b, false)
	}

	// kinds with nothing in flight but work left over from before
	queued, err := oqs.db.QueuedKinds(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to get queued kinds for recovery")
		sentry.CaptureException(err)
		return
	}
	for _, kind := range queued {
		if oqs.disabled && !kind.IsAppservice() {
			continue
		}
		if _, ok := oqs.statuses[kind]; !ok {
			oqs.startFresh(ctx, kind, false)
		}
	}
	oqs.updateGauges()
}

func (oqs *OutgoingQueues) poke(ctx context.Context, kind api.OutgoingKind, flush bool) {
	status, ok := oqs.statuses[kind]
	if !ok {
		oqs.startFresh(ctx, kind, flush)
		return
	}
	if flush {
		// picked up once the current transaction finishes
		oqs.pendingFlush[kind] = true
	}
	if status.state == stateFailed && !oqs.now().Before(status.retryAt()) {
		oqs.startRetry(ctx, kind)
	}
}

// startFresh selects the oldest queued items for an idle kind. Without a
// flush an idle kind with nothing queued stays idle.
func (oqs *OutgoingQueues) startFresh(ctx context.Context, kind api.OutgoingKind, flush bool) {
	delete(oqs.pendingFlush, kind)
	if timer, ok := oqs.timers[kind]; ok {
		timer.Stop()
		delete(oqs.timers, kind)
	}
	items, err := oqs.db.QueuedRequests(ctx, kind, api.MaxItemsPerTransaction)
	if err != nil {
		log.WithError(err).WithField("destination", kind.String()).Error("Failed to get queued requests")
		sentry.CaptureException(err)
		oqs.wakeLater(kind, flush, storeRetryInterval)
		return
	}
	if len(items) == 0 && !flush {
		return
	}
	if err = oqs.db.MarkAsActive(ctx, items); err != nil {
		log.WithError(err).WithField("destination", kind.String()).Error("Failed to mark requests as active")
		sentry.CaptureException(err)
		oqs.wakeLater(kind, flush, storeRetryInterval)
		return
	}
	b := &batch{items: items, created: oqs.now()}
	oqs.statuses[kind] = &transactionStatus{state: stateRunning}
	oqs.batches[kind] = b
	oqs.launch(ctx, kind, b, true)
}

// startRetry resends the failed batch, topped up with queued items.
func (oqs *OutgoingQueues) startRetry(ctx context.Context, kind api.OutgoingKind) {
	status, b := oqs.statuses[kind], oqs.batches[kind]
	if timer, ok := oqs.timers[kind]; ok {
		timer.Stop()
		delete(oqs.timers, kind)
	}
	if room := api.MaxItemsPerTransaction - len(b.items); room > 0 {
		more, err := oqs.db.QueuedRequests(ctx, kind, room)
		if err != nil {
			log.WithError(err).WithField("destination", kind.String()).Warn("Failed to get queued requests for retry")
		} else if len(more) > 0 {
			if err = oqs.db.MarkAsActive(ctx, more); err != nil {
				log.WithError(err).WithField("destination", kind.String()).Warn("Failed to mark requests as active for retry")
			} else {
				b.items = append(b.items, more...)
				b.created = oqs.now()
			}
		}
	}
	status.state = stateRetrying
	oqs.launch(ctx, kind, b, false)
}

func (oqs *OutgoingQueues) complete(ctx context.Context, c completion) {
	status, b := oqs.statuses[c.kind], oqs.batches[c.kind]
	if status == nil || b == nil {
		return
	}
	logger := log.WithField("destination", c.kind.String())
	if c.err == nil {
		transactionsTotal.WithLabelValues("success").Inc()
		if err := oqs.db.DeleteRequests(ctx, b.items); err != nil {
			// still active, so they are sent again after a restart
			logger.WithError(err).Error("Failed to delete delivered requests")
			sentry.CaptureException(err)
		}
		delete(oqs.statuses, c.kind)
		delete(oqs.batches, c.kind)
		oqs.startFresh(ctx, c.kind, oqs.pendingFlush[c.kind])
		return
	}

	transactionsTotal.WithLabelValues("failure").Inc()
	tries := uint32(1)
	if status.state == stateRetrying {
		tries = status.tries + 1
	}
	status.state = stateFailed
	status.tries = tries
	status.lastAttempt = oqs.now()
	b.edus = c.edus
	wait := backoff(tries)
	logger.WithError(c.err).WithFields(log.Fields{
		"tries":   tries,
		"backoff": wait,
	}).Warn("Transaction failed")
	oqs.wakeLater(c.kind, false, wait)
}

// wakeLater replaces any timer for kind with one that wakes it after d.
func (oqs *OutgoingQueues) wakeLater(kind api.OutgoingKind, flush bool, d time.Duration) {
	if timer, ok := oqs.timers[kind]; ok {
		timer.Stop()
	}
	oqs.timers[kind] = oqs.afterFunc(d, func() {
		oqs.wake(kind, flush)
	})
}

func (oqs *OutgoingQueues) updateGauges() {
	var running, backingOff float64
	for _, status := range oqs.statuses {
		if status.state == stateFailed {
			backingOff++
		} else {
			running++
		}
	}
	destinationQueueRunning.Set(running)
	destinationQueueBackingOff.Set(backingOff)
}

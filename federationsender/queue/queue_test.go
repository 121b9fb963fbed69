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
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gotest.tools/v3/poll"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/setup/process"
)

const (
	localServer  = spec.ServerName("localhost")
	remoteServer = spec.ServerName("remote.test")
)

type fakeDatabase struct {
	Database
	mu     sync.Mutex
	nextID int64
	items  []api.QueuedRequest
	pdus   map[string]json.RawMessage
	// markErrs makes the next calls to MarkAsActive fail
	markErrs int
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{pdus: map[string]json.RawMessage{}}
}

func (d *fakeDatabase) QueueRequest(_ context.Context, kind api.OutgoingKind, event api.SendingEvent) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.items = append(d.items, api.QueuedRequest{ID: d.nextID, Kind: kind, Event: event})
	return d.nextID, nil
}

func (d *fakeDatabase) ActiveRequests(_ context.Context) ([]api.QueuedRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []api.QueuedRequest
	for _, item := range d.items {
		if item.Active {
			result = append(result, item)
		}
	}
	return result, nil
}

func (d *fakeDatabase) QueuedRequests(_ context.Context, kind api.OutgoingKind, limit int) ([]api.QueuedRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []api.QueuedRequest
	for _, item := range d.items {
		if item.Kind == kind && !item.Active && len(result) < limit {
			result = append(result, item)
		}
	}
	return result, nil
}

func (d *fakeDatabase) QueuedKinds(_ context.Context) ([]api.OutgoingKind, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[api.OutgoingKind]bool{}
	var result []api.OutgoingKind
	for _, item := range d.items {
		if !item.Active && !seen[item.Kind] {
			seen[item.Kind] = true
			result = append(result, item.Kind)
		}
	}
	return result, nil
}

func (d *fakeDatabase) MarkAsActive(_ context.Context, requests []api.QueuedRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.markErrs > 0 {
		d.markErrs--
		return errors.New("database is locked")
	}
	ids := idSet(requests)
	for i := range d.items {
		if _, ok := ids[d.items[i].ID]; ok {
			d.items[i].Active = true
		}
	}
	return nil
}

func (d *fakeDatabase) DeleteRequests(_ context.Context, requests []api.QueuedRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := idSet(requests)
	kept := d.items[:0]
	for _, item := range d.items {
		if _, ok := ids[item.ID]; !ok {
			kept = append(kept, item)
		}
	}
	d.items = kept
	return nil
}

func (d *fakeDatabase) StorePDU(_ context.Context, eventID string, pdu json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pdus[eventID] = pdu
	return nil
}

func (d *fakeDatabase) GetPDU(_ context.Context, eventID string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pdus[eventID], nil
}

func (d *fakeDatabase) snapshot() []api.QueuedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]api.QueuedRequest(nil), d.items...)
}

func idSet(requests []api.QueuedRequest) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(requests))
	for _, req := range requests {
		ids[req.ID] = struct{}{}
	}
	return ids
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, serverName spec.ServerName) resolver.ResolvedDestination {
	return resolver.ResolvedDestination{Host: string(serverName), Port: ":8448", HostHeader: string(serverName)}
}

type stubSelector struct {
	mu    sync.Mutex
	edus  []gomatrixserverlib.EDU
	calls atomic.Int32
}

func (s *stubSelector) SelectEDUs(_ context.Context, _ spec.ServerName) ([]gomatrixserverlib.EDU, error) {
	s.calls.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	edus := s.edus
	s.edus = nil
	return edus, nil
}

// gatedSender hands every transaction to the test and waits for the test
// to decide its outcome.
type gatedSender struct {
	txns    chan *gomatrixserverlib.Transaction
	results chan error
	count   atomic.Int32
}

func newGatedSender() *gatedSender {
	return &gatedSender{
		txns:    make(chan *gomatrixserverlib.Transaction, 16),
		results: make(chan error, 16),
	}
}

func (s *gatedSender) SendTransaction(
	ctx context.Context, _ api.OutgoingKind, _ *resolver.ResolvedDestination, txn *gomatrixserverlib.Transaction,
) error {
	s.count.Inc()
	s.txns <- txn
	select {
	case err := <-s.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *gatedSender) next(t *testing.T) *gomatrixserverlib.Transaction {
	t.Helper()
	select {
	case txn := <-s.txns:
		return txn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a transaction")
		return nil
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) Timers() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type testQueues struct {
	*OutgoingQueues
	db       *fakeDatabase
	clock    *fakeClock
	selector *stubSelector
	process  *process.ProcessContext
}

func newTestQueues(t *testing.T, db *fakeDatabase, sender TransactionSender) *testQueues {
	t.Helper()
	pc := process.NewProcessContext()
	t.Cleanup(func() {
		pc.Shutdown()
		pc.WaitForComponentsToFinish()
	})
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	selector := &stubSelector{}
	oqs := NewOutgoingQueues(db, pc, false, localServer, stubResolver{}, selector, sender, 4)
	oqs.now = clock.Now
	oqs.afterFunc = clock.AfterFunc
	return &testQueues{OutgoingQueues: oqs, db: db, clock: clock, selector: selector, process: pc}
}

func pduJSON(eventID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"event_id":%q,"type":"m.room.message"}`, eventID))
}

func eventIDs(t *testing.T, txn *gomatrixserverlib.Transaction) []string {
	t.Helper()
	ids := make([]string, 0, len(txn.PDUs))
	for _, pdu := range txn.PDUs {
		var ev struct {
			EventID string `json:"event_id"`
		}
		require.NoError(t, json.Unmarshal(pdu, &ev))
		ids = append(ids, ev.EventID)
	}
	return ids
}

func waitForStatus(t *testing.T, oqs *testQueues, check func([]DestinationStatus) bool) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		statuses, err := oqs.Status(context.Background())
		if err != nil {
			return poll.Error(err)
		}
		if check(statuses) {
			return poll.Success()
		}
		return poll.Continue("status is %+v", statuses)
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
}

func TestBackoff(t *testing.T) {
	tests := map[uint32]time.Duration{
		1:    30 * time.Second,
		2:    120 * time.Second,
		3:    270 * time.Second,
		17:   8670 * time.Second,
		53:   84270 * time.Second,
		54:   86400 * time.Second,
		60:   86400 * time.Second,
		1000: 86400 * time.Second,
	}
	for tries, want := range tests {
		assert.Equal(t, want, backoff(tries), "backoff(%d)", tries)
	}
}

func TestUnreachableDestinationRetriesWithQueuedItems(t *testing.T) {
	ctx := context.Background()
	sender := newGatedSender()
	oqs := newTestQueues(t, newFakeDatabase(), sender)
	oqs.Start()

	require.NoError(t, oqs.SendEvent(ctx, "$e1", pduJSON("$e1"), []spec.ServerName{remoteServer}))
	first := sender.next(t)
	assert.Equal(t, []string{"$e1"}, eventIDs(t, first))

	// queued while the first transaction is in flight
	require.NoError(t, oqs.SendEvent(ctx, "$e2", pduJSON("$e2"), []spec.ServerName{remoteServer}))
	require.NoError(t, oqs.SendEvent(ctx, "$e3", pduJSON("$e3"), []spec.ServerName{remoteServer}))
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 1 && s[0].State == "running"
	})
	assert.Equal(t, int32(1), sender.count.Load())

	failedAt := oqs.clock.Now()
	sender.results <- gomatrix.HTTPError{Code: 502, Message: "bad gateway"}
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 1 && s[0].State == "failed"
	})
	statuses, err := oqs.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), statuses[0].Tries)
	assert.Equal(t, spec.AsTimestamp(failedAt), statuses[0].LastAttempt)
	assert.Equal(t, spec.AsTimestamp(failedAt.Add(30*time.Second)), statuses[0].RetryAt)
	assert.Len(t, oqs.db.snapshot(), 3)

	timers := oqs.clock.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, 30*time.Second, timers[0].d)

	// nothing happens before the backoff has elapsed
	oqs.clock.Advance(29 * time.Second)
	timers[0].f()
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 1 && s[0].State == "failed"
	})

	oqs.clock.Advance(time.Second)
	timers[0].f()
	retry := sender.next(t)
	assert.Equal(t, []string{"$e1", "$e2", "$e3"}, eventIDs(t, retry))
	assert.NotEqual(t, first.TransactionID, retry.TransactionID)
	assert.Equal(t, int32(1), oqs.selector.calls.Load(), "retries must not select new EDUs")

	sender.results <- nil
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
	assert.Empty(t, oqs.db.snapshot())
}

// A failed batch is resent as a whole even if the remote only rejected
// some of its PDUs.
func TestFailedBatchIsRetriedWhole(t *testing.T) {
	ctx := context.Background()
	sender := newGatedSender()
	oqs := newTestQueues(t, newFakeDatabase(), sender)
	oqs.Start()

	oqs.selector.edus = []gomatrixserverlib.EDU{{Type: "m.presence", Content: []byte(`{"push":[]}`)}}
	require.NoError(t, oqs.SendEvent(ctx, "$e1", pduJSON("$e1"), []spec.ServerName{remoteServer}))
	first := sender.next(t)
	require.Len(t, first.EDUs, 1)
	sender.results <- errors.New("connection reset")
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 1 && s[0].State == "failed"
	})

	require.NoError(t, oqs.RetryServer(ctx, api.FederationKind(remoteServer)))
	retry := sender.next(t)
	assert.Equal(t, first.TransactionID, retry.TransactionID)
	assert.Equal(t, eventIDs(t, first), eventIDs(t, retry))
	assert.Equal(t, first.EDUs, retry.EDUs)

	sender.results <- errors.New("connection reset")
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 1 && s[0].State == "failed" && s[0].Tries == 2
	})
	timers := oqs.clock.Timers()
	require.Len(t, timers, 2)
	assert.Equal(t, 120*time.Second, timers[1].d)
	assert.True(t, timers[0].stopped.Load())
}

func TestStartupRecovery(t *testing.T) {
	ctx := context.Background()
	db := newFakeDatabase()
	other := api.AppserviceKind("bridge")
	for i := 0; i < 35; i++ {
		eventID := fmt.Sprintf("$event%d", i)
		require.NoError(t, db.StorePDU(ctx, eventID, pduJSON(eventID)))
		_, err := db.QueueRequest(ctx, api.FederationKind(remoteServer), api.PDUEvent(eventID))
		require.NoError(t, err)
	}
	_, err := db.QueueRequest(ctx, other, api.PDUEvent("$event0"))
	require.NoError(t, err)
	require.NoError(t, db.MarkAsActive(ctx, db.snapshot()))
	// queued but not active, sent after the recovered batch
	_, err = db.QueueRequest(ctx, api.FederationKind(remoteServer), api.PDUEvent("$event1"))
	require.NoError(t, err)

	sender := newGatedSender()
	oqs := newTestQueues(t, db, sender)
	oqs.Start()

	var sizes []int
	for i := 0; i < 2; i++ {
		txn := sender.next(t)
		sizes = append(sizes, len(txn.PDUs))
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 30}, sizes)
	sender.results <- nil
	sender.results <- nil

	txn := sender.next(t)
	assert.Equal(t, []string{"$event1"}, eventIDs(t, txn))
	assert.Equal(t, int32(1), oqs.selector.calls.Load())
	sender.results <- nil

	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
	assert.Empty(t, db.snapshot())
}

func TestStartupSendsQueuedItemsWithoutActiveBatch(t *testing.T) {
	ctx := context.Background()
	db := newFakeDatabase()
	require.NoError(t, db.StorePDU(ctx, "$queued", pduJSON("$queued")))
	_, err := db.QueueRequest(ctx, api.FederationKind(remoteServer), api.PDUEvent("$queued"))
	require.NoError(t, err)

	sender := newGatedSender()
	oqs := newTestQueues(t, db, sender)
	oqs.Start()

	txn := sender.next(t)
	assert.Equal(t, []string{"$queued"}, eventIDs(t, txn))
	assert.Equal(t, remoteServer, txn.Destination)
	sender.results <- nil
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
	assert.Empty(t, db.snapshot())
}

func TestStoreFailureRetriesLater(t *testing.T) {
	ctx := context.Background()
	db := newFakeDatabase()
	db.markErrs = 1
	sender := newGatedSender()
	oqs := newTestQueues(t, db, sender)
	oqs.Start()
	// recovery has finished once the coordinator answers
	_, err := oqs.Status(ctx)
	require.NoError(t, err)

	require.NoError(t, oqs.SendEvent(ctx, "$e1", pduJSON("$e1"), []spec.ServerName{remoteServer}))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(oqs.clock.Timers()) == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for the retry timer")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	timers := oqs.clock.Timers()
	assert.Equal(t, storeRetryInterval, timers[0].d)
	assert.Equal(t, int32(0), sender.count.Load())
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})

	timers[0].f()
	txn := sender.next(t)
	assert.Equal(t, []string{"$e1"}, eventIDs(t, txn))
	sender.results <- nil
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
	assert.Empty(t, db.snapshot())
}

func TestFlush(t *testing.T) {
	sender := newGatedSender()
	oqs := newTestQueues(t, newFakeDatabase(), sender)
	oqs.Start()

	// nothing to send: the transaction completes without a request
	oqs.Flush([]spec.ServerName{remoteServer, localServer})
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if oqs.selector.calls.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for EDU selection")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
	assert.Equal(t, int32(0), sender.count.Load())

	oqs.selector.mu.Lock()
	oqs.selector.edus = []gomatrixserverlib.EDU{{Type: "m.receipt", Content: []byte(`{}`)}}
	oqs.selector.mu.Unlock()
	oqs.Flush([]spec.ServerName{remoteServer})
	txn := sender.next(t)
	assert.Empty(t, txn.PDUs)
	require.Len(t, txn.EDUs, 1)
	assert.Equal(t, "m.receipt", txn.EDUs[0].Type)
	assert.Equal(t, localServer, txn.Origin)
	assert.Equal(t, remoteServer, txn.Destination)
	sender.results <- nil
	waitForStatus(t, oqs, func(s []DestinationStatus) bool {
		return len(s) == 0
	})
}

func TestSendEventSkipsLocalServerAndStripsTransactionID(t *testing.T) {
	ctx := context.Background()
	sender := newGatedSender()
	oqs := newTestQueues(t, newFakeDatabase(), sender)
	oqs.Start()

	require.NoError(t, oqs.SendEvent(ctx, "$local", pduJSON("$local"), []spec.ServerName{localServer}))
	assert.Empty(t, oqs.db.snapshot())

	pdu := json.RawMessage(`{"event_id":"$e1","unsigned":{"transaction_id":"m123","age":5}}`)
	require.NoError(t, oqs.SendEvent(ctx, "$e1", pdu, []spec.ServerName{remoteServer, remoteServer, localServer}))
	assert.Len(t, oqs.db.snapshot(), 1)
	txn := sender.next(t)
	require.Len(t, txn.PDUs, 1)
	assert.JSONEq(t, `{"event_id":"$e1","unsigned":{"age":5}}`, string(txn.PDUs[0]))
	sender.results <- nil
}

func TestDisabledFederation(t *testing.T) {
	ctx := context.Background()
	db := newFakeDatabase()
	pc := process.NewProcessContext()
	defer pc.Shutdown()
	oqs := NewOutgoingQueues(db, pc, true, localServer, stubResolver{}, nil, newGatedSender(), 1)

	require.NoError(t, oqs.SendEvent(ctx, "$e1", pduJSON("$e1"), []spec.ServerName{remoteServer}))
	edu := &gomatrixserverlib.EDU{Type: "m.typing", Content: []byte(`{}`)}
	require.NoError(t, oqs.SendEDU(ctx, edu, []spec.ServerName{remoteServer}))
	assert.Empty(t, db.snapshot())

	require.NoError(t, oqs.SendEventToAppservices(ctx, "$e1", pduJSON("$e1"), []string{"bridge"}))
	assert.Len(t, db.snapshot(), 1)
}

// randomSender fails some transactions and records whether two were
// ever in flight for the same kind.
type randomSender struct {
	mu         sync.Mutex
	rand       *rand.Rand
	inFlight   map[api.OutgoingKind]int
	violations atomic.Int32
	sent       atomic.Int32
}

func (s *randomSender) SendTransaction(
	_ context.Context, kind api.OutgoingKind, _ *resolver.ResolvedDestination, _ *gomatrixserverlib.Transaction,
) error {
	s.mu.Lock()
	s.inFlight[kind]++
	if s.inFlight[kind] > 1 {
		s.violations.Inc()
	}
	fail := s.rand.Intn(10) < 3
	delay := time.Duration(s.rand.Intn(2000)) * time.Microsecond
	s.mu.Unlock()

	time.Sleep(delay)

	s.mu.Lock()
	s.inFlight[kind]--
	s.mu.Unlock()
	if fail {
		return errors.New("random failure")
	}
	s.sent.Inc()
	return nil
}

func TestAtMostOneTransactionInFlightPerKind(t *testing.T) {
	ctx := context.Background()
	sender := &randomSender{
		rand:     rand.New(rand.NewSource(1)),
		inFlight: map[api.OutgoingKind]int{},
	}
	db := newFakeDatabase()
	oqs := newTestQueues(t, db, sender)
	// every retry is due immediately
	var ticks atomic.Int64
	oqs.now = func() time.Time {
		return time.Unix(0, 0).Add(time.Duration(ticks.Inc()) * maxBackoff)
	}
	oqs.afterFunc = func(d time.Duration, f func()) stopper {
		return time.AfterFunc(time.Millisecond, f)
	}
	oqs.Start()

	kinds := []api.OutgoingKind{
		api.FederationKind("a.test"), api.FederationKind("b.test"), api.AppserviceKind("bridge"),
	}
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(worker)))
			for i := 0; i < 50; i++ {
				kind := kinds[r.Intn(len(kinds))]
				eventID := fmt.Sprintf("$w%d-%d", worker, i)
				assert.NoError(t, db.StorePDU(ctx, eventID, pduJSON(eventID)))
				assert.NoError(t, oqs.Enqueue(ctx, kind, api.PDUEvent(eventID)))
				if r.Intn(4) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(worker)
	}
	wg.Wait()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if remaining := len(db.snapshot()); remaining > 0 {
			return poll.Continue("%d items still queued", remaining)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(20*time.Millisecond))
	assert.Equal(t, int32(0), sender.violations.Load())
	assert.Greater(t, sender.sent.Load(), int32(0))
}

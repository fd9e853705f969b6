package mta

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeResolver returns a fixed MX answer per domain.
type fakeResolver struct {
	mx map[string][]MXRecord
}

func (f *fakeResolver) GetMX(_ context.Context, host string) ([]MXRecord, error) {
	return f.mx[host], nil
}

// fakeClient is a scripted Client: each Exec* call pops the next outcome off
// its queue (or succeeds if the queue is exhausted).
type fakeClient struct {
	mu       sync.Mutex
	outcomes []StepOutcome
	calls    []string
	sourceIP string
	host     string
}

func (c *fakeClient) next(step string) StepOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, step)
	if len(c.outcomes) == 0 {
		return stepOK()
	}
	out := c.outcomes[0]
	c.outcomes = c.outcomes[1:]
	return out
}

func (c *fakeClient) ExecHeloOrRset(context.Context) StepOutcome        { return c.next("helo") }
func (c *fakeClient) ExecMailFrom(context.Context, string) StepOutcome  { return c.next("mail") }
func (c *fakeClient) ExecRcptTo(context.Context, string) StepOutcome    { return c.next("rcpt") }
func (c *fakeClient) ExecData(context.Context, []byte) StepOutcome     { return c.next("data") }
func (c *fakeClient) SourceIP() string                                  { return c.sourceIP }
func (c *fakeClient) Host() string                                      { return c.host }

// fakePool hands out a single scripted client and records Return/Discard.
type fakePool struct {
	mu       sync.Mutex
	outcome  LeaseOutcome
	client   *fakeClient
	returned []Client
	discarded []Client
}

func (p *fakePool) Lease(context.Context, string, []MXRecord) (LeaseOutcome, Client, error) {
	if p.outcome == LeaseSuccess {
		return LeaseSuccess, p.client, nil
	}
	return p.outcome, nil, nil
}

func (p *fakePool) Return(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, c)
}

func (p *fakePool) Discard(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = append(p.discarded, c)
}

// fakeRecorder records every call made to it.
type fakeRecorder struct {
	mu         sync.Mutex
	successes  []string
	failures   []string
	timeouts   []string
	deferrals  []string
	throttles  []string
	svcUnavail []string
}

func (r *fakeRecorder) RecordSuccess(_ context.Context, msg *QueuedMessage, sourceIP, mxHost string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, msg.ID)
	return nil
}

func (r *fakeRecorder) RecordFailure(_ context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
	return nil
}

func (r *fakeRecorder) RecordTimeout(_ context.Context, msg *QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, msg.ID)
	return nil
}

func (r *fakeRecorder) RecordDeferral(_ context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string, informSvcUnavailable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if informSvcUnavailable {
		r.svcUnavail = append(r.svcUnavail, reason)
	} else {
		r.deferrals = append(r.deferrals, reason)
	}
	return nil
}

func (r *fakeRecorder) RecordThrottle(_ context.Context, msg *QueuedMessage, sourceIP, mxHost string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttles = append(r.throttles, msg.ID)
	return nil
}

func (r *fakeRecorder) RecordServiceUnavailable(_ context.Context, msg *QueuedMessage, sourceIP string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.svcUnavail = append(r.svcUnavail, msg.ID)
	return nil
}

func newTestSelector(t *testing.T) MTASelector {
	t.Helper()
	store, err := NewStaticGroupStore([]*VirtualMTAGroup{
		{ID: "default", MTAs: []*VirtualMTA{{IP: "10.0.0.1", HostName: "mx.sender.test"}}},
	})
	require.NoError(t, err)
	return NewSelector(store)
}

func enqueueMessage(t *testing.T, broker *InMemoryBroker, msg *QueuedMessage) {
	t.Helper()
	require.NoError(t, broker.Enqueue(context.Background(), msg))
}

// runOneDispatch drives exactly one dispatchOnce call synchronously so tests
// don't need to race a background goroutine.
func runOneDispatch(s *Sender) {
	s.dispatchOnce(context.Background())
}

func TestSender_GateMonotonicity_DeferredAttempt(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m1", From: "a@sender.test", To: "b@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now().Add(time.Hour)}
	enqueueMessage(t, broker, msg)

	s := NewSender(DefaultSenderConfig(), broker, &fakeResolver{}, newTestSelector(t), &fakePool{}, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Empty(t, recorder.successes)
	require.Empty(t, recorder.failures)
	require.Empty(t, recorder.deferrals)
	require.Equal(t, 1, broker.Depth())
}

func TestSender_TimeoutTerminality(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	queuedAt := time.Now().Add(-5 * time.Hour)
	msg := &QueuedMessage{ID: "m2", From: "a@sender.test", To: "b@example.com", QueuedAt: queuedAt, AttemptSendAfter: queuedAt.Add(5 * time.Hour)}
	enqueueMessage(t, broker, msg)

	cfg := DefaultSenderConfig()
	cfg.MaxTimeInQueue = 4 * time.Hour
	s := NewSender(cfg, broker, &fakeResolver{}, newTestSelector(t), &fakePool{}, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"m2"}, recorder.timeouts)
	require.Empty(t, recorder.failures)
	require.Equal(t, 0, broker.Depth())
}

func TestSender_MXEmptyPermanence(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m3", From: "a@sender.test", To: "b@nodomain.test", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	pool := &fakePool{}
	s := NewSender(DefaultSenderConfig(), broker, &fakeResolver{mx: map[string][]MXRecord{}}, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"550 Domain Not Found."}, recorder.failures)
	require.Nil(t, pool.client)
	require.Empty(t, pool.returned)
	require.Empty(t, pool.discarded)
}

func TestSender_SuccessfulTransaction(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m4", From: "a@sender.test", To: "user@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	client := &fakeClient{sourceIP: "10.0.0.1", host: "mx1.example.com"}
	pool := &fakePool{outcome: LeaseSuccess, client: client}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com", Preference: 10}}}}

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"m4"}, recorder.successes)
	require.Equal(t, []string{"helo", "mail", "rcpt", "data"}, client.calls)
	require.Len(t, pool.returned, 1)
	require.Empty(t, pool.discarded)
}

func TestSender_RcptRefusal5xx(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m5", From: "a@sender.test", To: "nouser@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	client := &fakeClient{outcomes: []StepOutcome{stepOK(), stepOK(), stepFailed("550 no such user")}}
	pool := &fakePool{outcome: LeaseSuccess, client: client}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com"}}}}

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"550 no such user"}, recorder.failures)
	require.Equal(t, []string{"helo", "mail", "rcpt"}, client.calls)
	require.Len(t, pool.discarded, 1)
	require.Empty(t, pool.returned)
}

func TestSender_MailFrom421MarksRegistry(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m6", From: "a@sender.test", To: "b@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	client := &fakeClient{outcomes: []StepOutcome{stepOK(), stepFailed("421 too many connections")}}
	pool := &fakePool{outcome: LeaseSuccess, client: client}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com"}}}}
	registry := NewUnavailabilityRegistry()

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, registry, recorder)
	runOneDispatch(s)

	require.True(t, registry.IsUnavailable("10.0.0.1", "mx1.example.com", time.Now()))
	require.Equal(t, []string{"421 too many connections"}, recorder.svcUnavail)
	require.Equal(t, []string{"helo", "mail"}, client.calls)
	require.Len(t, pool.discarded, 1)
}

func TestSender_OtherNonSuccessIsGenericDeferral(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m7", From: "a@sender.test", To: "b@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	client := &fakeClient{outcomes: []StepOutcome{stepOK(), stepFailed("450 try again later")}}
	pool := &fakePool{outcome: LeaseSuccess, client: client}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com"}}}}

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"450 try again later"}, recorder.deferrals)
}

func TestSender_FailedToConnectIsDeferral(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m8", From: "a@sender.test", To: "b@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	pool := &fakePool{outcome: LeaseFailedToConnect}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com"}}}}

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Equal(t, []string{"Failed to connect"}, recorder.deferrals)
	require.Equal(t, 0, broker.Depth())
}

func TestSender_FailedMaxConnectionsIsSilentBackoff(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	msg := &QueuedMessage{ID: "m9", From: "a@sender.test", To: "b@example.com", QueuedAt: time.Now(), AttemptSendAfter: time.Now()}
	enqueueMessage(t, broker, msg)

	pool := &fakePool{outcome: LeaseFailedMaxConnections}
	resolver := &fakeResolver{mx: map[string][]MXRecord{"example.com": {{Host: "mx1.example.com"}}}}

	s := NewSender(DefaultSenderConfig(), broker, resolver, newTestSelector(t), pool, NewUnavailabilityRegistry(), recorder)
	runOneDispatch(s)

	require.Empty(t, recorder.successes)
	require.Empty(t, recorder.failures)
	require.Empty(t, recorder.deferrals)
	require.Equal(t, 0, broker.Depth()) // acked, not re-enqueued
}

func TestSender_StartStopIsClean(t *testing.T) {
	broker := NewInMemoryBroker()
	recorder := &fakeRecorder{}
	s := NewSender(DefaultSenderConfig(), broker, &fakeResolver{}, newTestSelector(t), &fakePool{}, NewUnavailabilityRegistry(), recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}

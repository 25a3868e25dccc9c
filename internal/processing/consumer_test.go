package processing

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casplaer/XMLProcessingSystem/internal/database"
	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/retry"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type outcome struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcker struct {
	mu       sync.Mutex
	outcomes []outcome
	settled  chan outcome
}

func newFakeAcker(buf int) *fakeAcker {
	return &fakeAcker{settled: make(chan outcome, buf)}
}

func (a *fakeAcker) record(o outcome) error {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, o)
	a.mu.Unlock()
	a.settled <- o
	return nil
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error { return a.record(outcome{tag: tag, ack: true}) }
func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(outcome{tag: tag, requeue: requeue})
}
func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.record(outcome{tag: tag, requeue: requeue})
}

func (a *fakeAcker) all() []outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]outcome(nil), a.outcomes...)
}

type fakeStore struct {
	mu      sync.Mutex
	calls   int
	envs    []*model.StatusEnvelope
	errs    []error
	delay   time.Duration
	panicOn bool

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (s *fakeStore) Apply(ctx context.Context, env *model.StatusEnvelope) ([]model.ModuleRecord, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		old := s.maxInFlight.Load()
		if n <= old || s.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls++
	call := s.calls
	s.envs = append(s.envs, env)
	s.mu.Unlock()

	if s.panicOn {
		panic("store exploded")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if call <= len(s.errs) && s.errs[call-1] != nil {
		return nil, s.errs[call-1]
	}
	recs := make([]model.ModuleRecord, 0, len(env.Devices))
	for _, dev := range env.Devices {
		recs = append(recs, model.ModuleRecord{PackageID: env.PackageID, ModuleCategoryID: dev.ModuleCategoryID, IndexWithinRole: dev.IndexWithinRole, ModuleState: model.StateRun})
	}
	return recs, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []model.DeadLetter
	keys    []string
}

func (f *fakeDLQ) SendDeadLetter(_ context.Context, key string, dl model.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.letters = append(f.letters, dl)
	return nil
}

type fakeObserver struct {
	mu      sync.Mutex
	records []model.ModuleRecord
	err     error
}

func (o *fakeObserver) Observe(_ context.Context, records []model.ModuleRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, records...)
	return o.err
}

type fakeStream struct {
	ch     chan amqp.Delivery
	closed atomic.Bool
}

func (s *fakeStream) Deliveries() <-chan amqp.Delivery { return s.ch }
func (s *fakeStream) Close() error                     { s.closed.Store(true); return nil }

type fakeSubscriber struct {
	mu      sync.Mutex
	streams []*fakeStream
	calls   int
}

func (f *fakeSubscriber) Subscribe(string, string, int) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.streams) == 0 {
		return nil, amqp.ErrClosed
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeSubscriber) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func payload(t *testing.T, pkg string, devices ...model.DeviceStatus) []byte {
	t.Helper()
	b, err := json.Marshal(model.StatusEnvelope{PackageID: pkg, Devices: devices})
	require.NoError(t, err)
	return b
}

func device(cat string, idx *int, state string) model.DeviceStatus {
	return model.DeviceStatus{
		ModuleCategoryID: cat,
		IndexWithinRole:  idx,
		StatusDocument:   "<CombinedSamplerStatus><ModuleState>" + state + "</ModuleState></CombinedSamplerStatus>",
	}
}

func delivery(acker amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		MessageId:    "msg-" + string(rune('a'+tag%26)),
		Headers:      amqp.Table{"source-file": "status.xml"},
		Body:         body,
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"packageId":"P1","devices":[{"moduleCategoryId":"C1","indexWithinRole":0,"statusDocument":"<a/>"}],"extra":1}`, true},
		{"empty body", ``, false},
		{"not json", `<InstrumentStatus/>`, false},
		{"truncated", `{"packageId":"P1","devices":[`, false},
		{"missing package", `{"devices":[{"moduleCategoryId":"C1"}]}`, false},
		{"blank package", `{"packageId":"  ","devices":[{"moduleCategoryId":"C1"}]}`, false},
		{"no devices", `{"packageId":"P1","devices":[]}`, false},
		{"null", `null`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.body))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrUndecodable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "P1", env.PackageID)
			require.Len(t, env.Devices, 1)
			require.NotNil(t, env.Devices[0].IndexWithinRole)
			assert.Equal(t, 0, *env.Devices[0].IndexWithinRole)
		})
	}
}

func TestHandle_MalformedRejectedWithoutWrites(t *testing.T) {
	store := &fakeStore{}
	dlq := &fakeDLQ{}
	acker := newFakeAcker(1)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, dlq, testLogger())

	c.Handle(context.Background(), delivery(acker, 1, []byte(`{"packageId":`)))

	assert.Equal(t, []outcome{{tag: 1, requeue: false}}, acker.all())
	assert.Zero(t, store.callCount())
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, model.StageDecode, dlq.letters[0].Stage)
	assert.Equal(t, "status.xml", dlq.letters[0].Source)
	assert.Equal(t, `{"packageId":`, dlq.letters[0].Original)
}

func TestHandle_SuccessAcksAndNotifies(t *testing.T) {
	store := &fakeStore{}
	acker := newFakeAcker(1)
	ok := &fakeObserver{}
	broken := &fakeObserver{err: errors.New("influx down")}
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, nil, testLogger(), broken, ok)

	body := payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun), device("C2", nil, model.StateOnline))
	c.Handle(context.Background(), delivery(acker, 7, body))

	assert.Equal(t, []outcome{{tag: 7, ack: true}}, acker.all())
	assert.Equal(t, 1, store.callCount())
	assert.Len(t, ok.records, 2, "a failing observer does not hide records from the next one")
	assert.Len(t, broken.records, 2)
}

func TestHandle_TransientFailureRequeuesAfterRetries(t *testing.T) {
	store := &fakeStore{errs: []error{driver.ErrBadConn, driver.ErrBadConn, driver.ErrBadConn}}
	dlq := &fakeDLQ{}
	acker := newFakeAcker(1)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, dlq, testLogger())

	c.Handle(context.Background(), delivery(acker, 3, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))

	assert.Equal(t, []outcome{{tag: 3, requeue: true}}, acker.all())
	assert.Equal(t, 3, store.callCount())
	assert.Empty(t, dlq.letters)
}

func TestHandle_RecoversWithinRetryBudget(t *testing.T) {
	store := &fakeStore{errs: []error{driver.ErrBadConn, nil}}
	acker := newFakeAcker(1)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, nil, testLogger())

	c.Handle(context.Background(), delivery(acker, 4, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))

	assert.Equal(t, []outcome{{tag: 4, ack: true}}, acker.all())
	assert.Equal(t, 2, store.callCount())
}

func TestHandle_PermanentFailureDeadLetters(t *testing.T) {
	store := &fakeStore{errs: []error{errors.New("NOT NULL constraint failed: modules.module_state")}}
	dlq := &fakeDLQ{}
	acker := newFakeAcker(1)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, dlq, testLogger())

	c.Handle(context.Background(), delivery(acker, 5, payload(t, "P9", device("C1", model.IntPtr(0), model.StateRun))))

	assert.Equal(t, []outcome{{tag: 5, requeue: false}}, acker.all())
	assert.Equal(t, 1, store.callCount(), "permanent errors are not retried")
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, model.StageStore, dlq.letters[0].Stage)
	assert.Equal(t, "P9", dlq.keys[0])
}

func TestHandle_PanicRequeues(t *testing.T) {
	store := &fakeStore{panicOn: true}
	acker := newFakeAcker(1)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, nil, testLogger())

	require.NotPanics(t, func() {
		c.Handle(context.Background(), delivery(acker, 6, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))
	})
	assert.Equal(t, []outcome{{tag: 6, requeue: true}}, acker.all())
}

func waitSettled(t *testing.T, acker *fakeAcker, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-acker.settled:
		case <-timeout:
			t.Fatalf("only %d of %d deliveries settled", i, n)
		}
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	const deliveries = 20
	store := &fakeStore{delay: 20 * time.Millisecond}
	acker := newFakeAcker(deliveries)
	stream := &fakeStream{ch: make(chan amqp.Delivery, deliveries)}
	sub := &fakeSubscriber{streams: []*fakeStream{stream}}
	c := New(Options{Queue: "modules", Concurrency: 3, Policy: fastPolicy()}, sub, store, nil, testLogger())

	for i := 1; i <= deliveries; i++ {
		stream.ch <- delivery(acker, uint64(i), payload(t, "P1", device("C1", model.IntPtr(i), model.StateRun)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitSettled(t, acker, deliveries)
	cancel()
	require.NoError(t, <-done)

	for _, o := range acker.all() {
		assert.True(t, o.ack, "delivery %d", o.tag)
	}
	assert.LessOrEqual(t, store.maxInFlight.Load(), int64(3))
	assert.Greater(t, store.maxInFlight.Load(), int64(1), "deliveries are handled in parallel")
	assert.True(t, stream.closed.Load())
}

func TestRun_ResubscribesWhenStreamCloses(t *testing.T) {
	store := &fakeStore{}
	acker := newFakeAcker(2)
	first := &fakeStream{ch: make(chan amqp.Delivery, 1)}
	second := &fakeStream{ch: make(chan amqp.Delivery, 1)}
	sub := &fakeSubscriber{streams: []*fakeStream{first, second}}
	c := New(Options{Queue: "modules", AutoRecovery: true, RecoveryInterval: 10 * time.Millisecond, Policy: fastPolicy()}, sub, store, nil, testLogger())

	first.ch <- delivery(acker, 1, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun)))
	close(first.ch)
	second.ch <- delivery(acker, 2, payload(t, "P1", device("C1", model.IntPtr(0), model.StateOffline)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitSettled(t, acker, 2)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, sub.subscribeCount())
	assert.True(t, first.closed.Load())
}

func TestRun_StreamClosedWithoutRecovery(t *testing.T) {
	stream := &fakeStream{ch: make(chan amqp.Delivery)}
	close(stream.ch)
	sub := &fakeSubscriber{streams: []*fakeStream{stream}}
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, sub, &fakeStore{}, nil, testLogger())

	assert.ErrorIs(t, c.Run(context.Background()), ErrStreamClosed)
}

func TestRun_SubscribeFailureWithoutRecovery(t *testing.T) {
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, &fakeSubscriber{}, &fakeStore{}, nil, testLogger())
	assert.ErrorIs(t, c.Run(context.Background()), amqp.ErrClosed)
}

type identityStore struct {
	active  sync.Map
	overlap atomic.Bool
	fakeStore
}

func (s *identityStore) Apply(ctx context.Context, env *model.StatusEnvelope) ([]model.ModuleRecord, error) {
	key := env.Devices[0].Identity(env.PackageID).String()
	if _, busy := s.active.LoadOrStore(key, true); busy {
		s.overlap.Store(true)
	}
	time.Sleep(5 * time.Millisecond)
	s.active.Delete(key)
	return s.fakeStore.Apply(ctx, env)
}

func TestRun_KeyedLocksSerializeIdentity(t *testing.T) {
	const deliveries = 10
	store := &identityStore{}
	acker := newFakeAcker(deliveries)
	stream := &fakeStream{ch: make(chan amqp.Delivery, deliveries)}
	sub := &fakeSubscriber{streams: []*fakeStream{stream}}
	c := New(Options{Queue: "modules", Concurrency: 5, KeyedLocks: true, Policy: fastPolicy()}, sub, store, nil, testLogger())

	for i := 1; i <= deliveries; i++ {
		stream.ch <- delivery(acker, uint64(i), payload(t, "P1", device("C1", model.IntPtr(0), model.ModuleStates[i%4])))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitSettled(t, acker, deliveries)
	cancel()
	require.NoError(t, <-done)

	assert.False(t, store.overlap.Load(), "same identity was written concurrently")
	assert.Zero(t, c.locks.size(), "lock table is empty once nobody holds a key")
}

func TestKeyedLocks_DistinctKeysDoNotBlock(t *testing.T) {
	locks := newKeyedLocks()
	unlockA := locks.Lock([]string{"P1/C1/0", "P1/C1/0"})

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock([]string{"P1/C2/0"})
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("unrelated key blocked")
	}
	unlockA()
	assert.Zero(t, locks.size())
}

func TestHandle_EndToEndWithSQLite(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "modules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := database.NewModuleStore(db, dialect, testLogger())
	require.NoError(t, store.EnsureSchema(ctx))

	acker := newFakeAcker(3)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, nil, testLogger())

	c.Handle(ctx, delivery(acker, 1, payload(t, "P1", device("SAMPLER", model.IntPtr(0), model.StateRun))))
	c.Handle(ctx, delivery(acker, 2, payload(t, "P1", device("SAMPLER", model.IntPtr(0), model.StateOffline))))
	c.Handle(ctx, delivery(acker, 3, []byte("garbage")))

	assert.Equal(t, []outcome{{tag: 1, ack: true}, {tag: 2, ack: true}, {tag: 3, requeue: false}}, acker.all())

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.StateOffline, rows[0].ModuleState)
	assert.Equal(t, "P1/SAMPLER/0", rows[0].Identity().String())
}

type panickingObserver struct{}

func (panickingObserver) Observe(context.Context, []model.ModuleRecord) error { panic("observer exploded") }

func TestHandle_ObserverPanicDoesNotResettle(t *testing.T) {
	acker := newFakeAcker(2)
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, &fakeStore{}, nil, testLogger(), panickingObserver{})

	require.NotPanics(t, func() {
		c.Handle(context.Background(), delivery(acker, 8, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))
	})
	assert.Equal(t, []outcome{{tag: 8, ack: true}}, acker.all())
}

type ctxStore struct {
	started chan struct{}
	release chan struct{}
	seen    error
}

func (s *ctxStore) Apply(ctx context.Context, env *model.StatusEnvelope) ([]model.ModuleRecord, error) {
	close(s.started)
	<-s.release
	s.seen = ctx.Err()
	if s.seen != nil {
		return nil, s.seen
	}
	return []model.ModuleRecord{{PackageID: env.PackageID, ModuleState: model.StateRun}}, nil
}

func TestHandle_ShutdownDoesNotAbortStoreWrite(t *testing.T) {
	store := &ctxStore{started: make(chan struct{}), release: make(chan struct{})}
	acker := newFakeAcker(1)
	obs := &fakeObserver{}
	c := New(Options{Queue: "modules", Policy: fastPolicy()}, nil, store, nil, testLogger(), obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Handle(ctx, delivery(acker, 9, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))
		close(done)
	}()

	<-store.started
	cancel()
	close(store.release)
	<-done

	assert.NoError(t, store.seen)
	assert.Equal(t, []outcome{{tag: 9, ack: true}}, acker.all())
	assert.Len(t, obs.records, 1)
}

func TestHandle_ShutdownStopsFurtherAttempts(t *testing.T) {
	store := &fakeStore{errs: []error{driver.ErrBadConn, driver.ErrBadConn, driver.ErrBadConn}}
	acker := newFakeAcker(1)
	policy := fastPolicy()
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour
	c := New(Options{Queue: "modules", Policy: policy}, nil, store, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c.Handle(ctx, delivery(acker, 10, payload(t, "P1", device("C1", model.IntPtr(0), model.StateRun))))

	assert.Equal(t, 1, store.callCount())
	assert.Equal(t, []outcome{{tag: 10, requeue: true}}, acker.all())
}

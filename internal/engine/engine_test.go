package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/internal/cipher"
	"docsync/internal/connector"
	"docsync/internal/credentials"
	"docsync/internal/destination"
	"docsync/internal/lock"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

type recordingDest struct {
	mu      sync.Mutex
	docs    []string
	failErr error
}

func (d *recordingDest) Send(ctx context.Context, doc connector.Document) error {
	return d.SendBatch(ctx, []connector.Document{doc})
}

func (d *recordingDest) SendBatch(_ context.Context, docs []connector.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	for _, doc := range docs {
		d.docs = append(d.docs, doc.ID)
	}
	return nil
}

func (d *recordingDest) HealthCheck(context.Context) error { return nil }

type harness struct {
	redis  *miniredis.Miniredis
	store  *store.Memory
	engine *Engine
	locker *lock.RedisLocker
	source connector.Connector
	dest   *recordingDest
	now    time.Time
}

func batches(n, size int) []connector.Batch {
	out := make([]connector.Batch, n)
	for i := range out {
		docs := make([]connector.Document, size)
		for j := range docs {
			docs[j] = connector.Document{ID: fmt.Sprintf("b%d-d%d", i+1, j)}
		}
		out[i] = connector.Batch{Documents: docs, Checkpoint: fmt.Sprintf("cp-%d", i+1)}
	}
	return out
}

func newHarness(t *testing.T, source connector.Connector, opts ...credentials.Option) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()

	ring, err := cipher.NewKeyring(map[int][]byte{1: bytes.Repeat([]byte{7}, cipher.KeySize)})
	require.NoError(t, err)
	c := cipher.New(ring, cipher.WithClock(func() time.Time { return now }))
	enc, err := c.Encrypt(map[string]any{"api_key": "k"})
	require.NoError(t, err)
	mem.PutCredential(models.Credential{ID: "cred-1", TenantID: "tenant-1", Source: "static", Payload: enc, Status: models.CredentialActive})

	destID := "dest-1"
	freq := int64(3600)
	last := now.Add(-7200 * time.Second)
	mem.PutDestination(models.Destination{ID: destID, TenantID: "tenant-1", Type: "recording"})
	mem.PutPairing(models.Pairing{
		ID:                      "pairing-1",
		TenantID:                "tenant-1",
		Source:                  "static",
		CredentialID:            "cred-1",
		DestinationID:           &destID,
		Status:                  models.PairingActive,
		RefreshFreqSeconds:      &freq,
		LastSuccessfulIndexTime: &last,
		TotalDocsIndexed:        100,
	})

	locker := lock.NewRedisLocker(client, time.Minute)
	opts = append([]credentials.Option{
		credentials.WithLockTimeout(0),
		credentials.WithLockLease(time.Minute),
		credentials.WithClock(func() time.Time { return now }),
	}, opts...)
	broker := credentials.NewBroker(mem, credentials.NewAuditRecorder(mem, time.Second, logger), c, locker, logger, opts...)

	dest := &recordingDest{}
	connectors := connector.NewRegistry()
	connectors.MustRegister("static", func(map[string]any) (connector.Connector, error) { return source, nil })
	destinations := destination.NewRegistry()
	destinations.MustRegister("recording", func(context.Context, map[string]any) (destination.Destination, error) { return dest, nil })
	gateway := destination.NewGateway(destinations, destination.GatewayConfig{
		ChunkSize: 4,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, logger)

	e := New(mem, broker, connectors, gateway, Config{}, logger)
	e.now = func() time.Time { return now }
	return &harness{redis: mr, store: mem, engine: e, locker: locker, source: source, dest: dest, now: now}
}

func task() models.RunTask {
	return models.RunTask{ID: "task-1", PairingID: "pairing-1", TenantID: "tenant-1"}
}

func TestExecuteRunThreeBatchesOfTen(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(3, 10)})

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, int64(3), run.CompletedBatches)
	assert.Equal(t, int64(30), run.NewDocsIndexed)
	assert.Zero(t, run.HeartbeatCounter)
	assert.Equal(t, "task-1", run.TaskID)
	require.NotNil(t, run.TimeStarted)

	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	assert.Equal(t, int64(130), p.TotalDocsIndexed)
	require.NotNil(t, p.LastSuccessfulIndexTime)
	assert.Equal(t, h.now, *p.LastSuccessfulIndexTime)
	assert.False(t, p.InRepeatedErrorState)
	assert.Len(t, h.dest.docs, 30)

	static := h.source.(*connector.Static)
	assert.Equal(t, "k", static.Credentials["api_key"])
}

func TestExecuteRunHeartbeatAndCheckpointCadence(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(12, 1)})

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, int64(12), run.CompletedBatches)
	assert.Equal(t, int64(2), run.HeartbeatCounter)
	require.NotNil(t, run.LastHeartbeatTime)
	require.NotNil(t, run.CheckpointPointer)
	assert.Equal(t, "cp-10", *run.CheckpointPointer)
}

type cancelingConnector struct {
	store    *store.Memory
	batches  []connector.Batch
	cancelAt int
	pulled   int
}

func (c *cancelingConnector) LoadCredentials(context.Context, map[string]any) error { return nil }

func (c *cancelingConnector) Run(context.Context, connector.Window, *string) (connector.BatchIterator, error) {
	return c, nil
}

func (c *cancelingConnector) Next(ctx context.Context) (connector.Batch, error) {
	if c.pulled >= len(c.batches) {
		return connector.Batch{}, io.EOF
	}
	c.pulled++
	if c.pulled == c.cancelAt {
		run, err := c.store.InProgressRun(ctx, "pairing-1")
		if err != nil || run == nil {
			return connector.Batch{}, fmt.Errorf("no live run: %v", err)
		}
		if err := c.store.RequestCancellation(ctx, run.ID); err != nil {
			return connector.Batch{}, err
		}
	}
	return c.batches[c.pulled-1], nil
}

func (c *cancelingConnector) Close() error { return nil }

func TestExecuteRunObservesCancellationBetweenBatches(t *testing.T) {
	conn := &cancelingConnector{batches: batches(5, 2), cancelAt: 2}
	h := newHarness(t, conn)
	conn.store = h.store

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, run.Status)
	assert.Equal(t, int64(2), run.CompletedBatches)
	assert.Equal(t, 2, conn.pulled)
	// The in-flight batch was still delivered.
	assert.Len(t, h.dest.docs, 4)

	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.TotalDocsIndexed)
}

func TestExecuteRunConnectorFailureMarksRunAndPairing(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(1, 1), Err: errors.New("upstream 500")})

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConnector))
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMsg)
	assert.Contains(t, *run.ErrorMsg, "upstream 500")

	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	assert.True(t, p.InRepeatedErrorState)
}

func TestExecuteRunDestinationFailureFailsRun(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(2, 3)})
	h.dest.failErr = errors.New("bulk endpoint 503")

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindDestination))
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Zero(t, run.CompletedBatches)
}

func TestExecuteRunSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(1, 1)})
	_, err := h.locker.Acquire(context.Background(), lock.PairingKey("tenant-1", "pairing-1"), 0)
	require.NoError(t, err)

	_, err = h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindLockTimeout))
	assert.True(t, syncerr.IsSkip(err))
	assert.Empty(t, h.store.Runs("pairing-1"))
}

func TestExecuteRunSkipsWhenRunAlreadyLive(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(1, 1)})
	h.store.PutRun(models.Run{ID: "live", PairingID: "pairing-1", Status: models.RunInProgress, CreatedAt: h.now})

	_, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindRunInProgress))
	assert.Len(t, h.store.Runs("pairing-1"), 1)
}

func TestExecuteRunResumesFromFailedRunCheckpoint(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(4, 1)})
	cp := "cp-2"
	h.store.PutRun(models.Run{
		ID: "prev", PairingID: "pairing-1", Status: models.RunFailed,
		CheckpointPointer: &cp, CreatedAt: h.now.Add(-time.Hour),
	})

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.CompletedBatches)
	assert.Equal(t, []string{"b3-d0", "b4-d0"}, h.dest.docs)

	fresh := task()
	fresh.ID = "task-2"
	fresh.FromBeginning = true
	h.dest.docs = nil
	run, err = h.engine.ExecuteRun(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, int64(4), run.CompletedBatches)
	assert.True(t, run.FromBeginning)
}

func TestExecuteRunUnusableCredentialIsPermanent(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(1, 1)})
	cred, err := h.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	cred.Status = models.CredentialDisabled
	h.store.PutCredential(cred)

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.True(t, syncerr.IsPermanent(err))
	assert.Equal(t, models.RunFailed, run.Status)
}

func TestExecuteRunSkipsInactivePairing(t *testing.T) {
	h := newHarness(t, &connector.Static{Batches: batches(1, 1)})
	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	p.Status = models.PairingPaused
	h.store.PutPairing(p)

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Empty(t, run.ID)
	assert.Empty(t, h.store.Runs("pairing-1"))
}

type gatedConnector struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	served  bool
}

func (g *gatedConnector) LoadCredentials(context.Context, map[string]any) error { return nil }

func (g *gatedConnector) Run(context.Context, connector.Window, *string) (connector.BatchIterator, error) {
	g.once.Do(func() { close(g.entered) })
	return g, nil
}

func (g *gatedConnector) Next(ctx context.Context) (connector.Batch, error) {
	if g.served {
		return connector.Batch{}, io.EOF
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return connector.Batch{}, ctx.Err()
	}
	g.served = true
	return connector.Batch{Documents: []connector.Document{{ID: "only"}}, Checkpoint: "cp-1"}, nil
}

func (g *gatedConnector) Close() error { return nil }

func TestExecuteRunConcurrentTasksOnlyOneProceeds(t *testing.T) {
	conn := &gatedConnector{entered: make(chan struct{}), gate: make(chan struct{})}
	h := newHarness(t, conn)

	winner := make(chan error, 1)
	go func() {
		_, err := h.engine.ExecuteRun(context.Background(), task())
		winner <- err
	}()
	select {
	case <-conn.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never reached the connector")
	}

	var wg sync.WaitGroup
	losers := make([]error, 4)
	for i := range losers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := task()
			tk.ID = fmt.Sprintf("task-dup-%d", i)
			_, losers[i] = h.engine.ExecuteRun(context.Background(), tk)
		}(i)
	}
	wg.Wait()
	close(conn.gate)

	require.NoError(t, <-winner)
	for _, err := range losers {
		require.Error(t, err)
		assert.True(t, syncerr.IsSkip(err))
	}
	runs := h.store.Runs("pairing-1")
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunSuccess, runs[0].Status)
	assert.Equal(t, []string{"only"}, h.dest.docs)
}

const pairingLockKey = "lock:tenant-1:pairing-1"

// slowConnector advances Redis time on every pull, the way a slow upstream would.
type slowConnector struct {
	redis   *miniredis.Miniredis
	batches []connector.Batch
	step    time.Duration
	pulled  int
	// onPull runs after the clock advanced; a non-nil error fails the pull.
	onPull  func(ctx context.Context, pulled int) error
}

func (c *slowConnector) LoadCredentials(context.Context, map[string]any) error { return nil }

func (c *slowConnector) Run(context.Context, connector.Window, *string) (connector.BatchIterator, error) {
	return c, nil
}

func (c *slowConnector) Next(ctx context.Context) (connector.Batch, error) {
	if c.pulled >= len(c.batches) {
		return connector.Batch{}, io.EOF
	}
	c.pulled++
	c.redis.FastForward(c.step)
	if c.onPull != nil {
		if err := c.onPull(ctx, c.pulled); err != nil {
			return connector.Batch{}, err
		}
	}
	return c.batches[c.pulled-1], nil
}

func (c *slowConnector) Close() error { return nil }

// waitForExtension blocks until the pairing lock TTL was pushed back above floor.
func waitForExtension(ctx context.Context, mr *miniredis.Miniredis, floor time.Duration) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.TTL(pairingLockKey) > floor {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return fmt.Errorf("lock ttl stuck at %s", mr.TTL(pairingLockKey))
}

func TestExecuteRunSlowBatchesKeepPairingLock(t *testing.T) {
	conn := &slowConnector{batches: batches(6, 1), step: 40 * time.Second}
	h := newHarness(t, conn, credentials.WithKeepAliveInterval(5*time.Millisecond))
	conn.redis = h.redis
	// Six pulls of 40s outlast the one minute lease several times over.
	conn.onPull = func(ctx context.Context, _ int) error {
		return waitForExtension(ctx, h.redis, 50*time.Second)
	}

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, int64(6), run.CompletedBatches)
	assert.Equal(t, int64(1), run.HeartbeatCounter)

	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	assert.False(t, p.InRepeatedErrorState)
	assert.False(t, h.redis.Exists(pairingLockKey), "lock must be released after the run")
}

func TestExecuteRunFailsWhenPairingLockIsLost(t *testing.T) {
	conn := &slowConnector{batches: batches(4, 1)}
	h := newHarness(t, conn, credentials.WithKeepAliveInterval(5*time.Millisecond))
	conn.redis = h.redis
	conn.onPull = func(ctx context.Context, pulled int) error {
		if pulled != 2 {
			return nil
		}
		// Another holder took the key over.
		require.NoError(t, h.redis.Set(pairingLockKey, "someone-else"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("scope was never canceled")
		}
	}

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrNotHeld)
	assert.Contains(t, err.Error(), "pairing lock lost")
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, int64(1), run.CompletedBatches)

	owner, gerr := h.redis.Get(pairingLockKey)
	require.NoError(t, gerr)
	assert.Equal(t, "someone-else", owner, "release must not delete the new holder's lock")
}

func TestExecuteRunStopsWritingOnceRunWasReclaimed(t *testing.T) {
	conn := &slowConnector{batches: batches(3, 2)}
	h := newHarness(t, conn)
	conn.redis = h.redis
	conn.onPull = func(ctx context.Context, pulled int) error {
		if pulled != 2 {
			return nil
		}
		live, err := h.store.InProgressRun(ctx, "pairing-1")
		if err != nil || live == nil {
			return fmt.Errorf("no live run: %v", err)
		}
		_, err = h.store.FinishRun(ctx, live.ID, models.RunFinish{Status: models.RunFailed, ErrorMsg: "stalled", At: h.now})
		return err
	}
	failedBefore := testutil.ToFloat64(telemetry.RunsFailed)

	run, err := h.engine.ExecuteRun(context.Background(), task())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrRunNotLive)
	assert.True(t, syncerr.IsSkip(err))
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMsg)
	assert.Equal(t, "stalled", *run.ErrorMsg)
	assert.Equal(t, int64(1), run.CompletedBatches, "no progress lands after reclamation")
	assert.Equal(t, 2, conn.pulled, "engine stops pulling once the run is gone")

	p, err := h.store.GetPairing(context.Background(), "pairing-1")
	require.NoError(t, err)
	assert.False(t, p.InRepeatedErrorState, "a failure this engine did not record must not flag the pairing")
	assert.Equal(t, failedBefore, testutil.ToFloat64(telemetry.RunsFailed))
}

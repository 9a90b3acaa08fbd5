package pgxsession_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mkmn/reqscope"
	"github.com/mkmn/reqscope/pgxsession"
)

// stubFactory opens trivial in-memory resources; Close fails with closeErr
// when set.
type stubFactory struct {
	closeErr error
}

func (f *stubFactory) Open(ctx context.Context) (any, error) {
	return &struct{}{}, nil
}

func (f *stubFactory) Close(ctx context.Context, resource any) error {
	return f.closeErr
}

// scratchTable creates a throwaway table and drops it when the test ends.
func scratchTable(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	name := fmt.Sprintf("reqscope_t_%d", rand.IntN(1000000)) // Randomize to avoid conflicts
	_, err := testPool.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (n INT)", name))
	require.NoError(t, err, "failed to create scratch table")
	t.Cleanup(func() {
		_, _ = testPool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name))
	})
	return name
}

func countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	err := testPool.QueryRow(context.Background(),
		fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSessionFactory_OpenClose(t *testing.T) {
	ctx := context.Background()
	factory := pgxsession.NewFactory(testPool)

	resource, err := factory.Open(ctx)
	require.NoError(t, err)
	session := resource.(*pgxsession.Session)

	// The open is recorded in the audit table.
	var closedAtIsNull bool
	err = testPool.QueryRow(ctx,
		"SELECT closed_at IS NULL FROM reqscope_sessions WHERE id = $1",
		session.ID()).Scan(&closedAtIsNull)
	require.NoError(t, err, "open should be recorded")
	assert.True(t, closedAtIsNull)

	require.NoError(t, factory.Close(ctx, session))

	err = testPool.QueryRow(ctx,
		"SELECT closed_at IS NULL FROM reqscope_sessions WHERE id = $1",
		session.ID()).Scan(&closedAtIsNull)
	require.NoError(t, err)
	assert.False(t, closedAtIsNull, "close should be recorded")

	// Closing through the factory twice is harmless.
	require.NoError(t, factory.Close(ctx, session))
}

func TestSession_DeferredWrites(t *testing.T) {
	ctx := context.Background()
	factory := pgxsession.NewFactory(testPool)
	table := scratchTable(t)

	resource, err := factory.Open(ctx)
	require.NoError(t, err)
	session := resource.(*pgxsession.Session)
	defer func() { _ = factory.Close(ctx, session) }()

	session.DeferWrites()
	require.True(t, session.Deferred())

	require.NoError(t, session.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (n) VALUES ($1)", table), 1))

	// The write stays buffered until Flush.
	assert.Equal(t, 0, countRows(t, table), "deferred write must not be visible before flush")

	// The session itself sees its pending write.
	var n int
	require.NoError(t, session.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, session.Flush(ctx))
	assert.Equal(t, 1, countRows(t, table), "flush must apply the deferred write")
}

func TestSession_CloseRollsBackUnflushedWork(t *testing.T) {
	ctx := context.Background()
	factory := pgxsession.NewFactory(testPool)
	table := scratchTable(t)

	resource, err := factory.Open(ctx)
	require.NoError(t, err)
	session := resource.(*pgxsession.Session)

	session.DeferWrites()
	require.NoError(t, session.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (n) VALUES ($1)", table), 1))
	require.NoError(t, factory.Close(ctx, session))

	assert.Equal(t, 0, countRows(t, table), "unflushed work must be rolled back on close")
	assert.ErrorIs(t, session.Exec(ctx, "SELECT 1"), pgxsession.ErrSessionClosed)
}

// The full protocol against a real engine: the interceptor opens one session
// for the request, applies deferred writes, and the owning exit closes it.
func TestInterceptor_WithSessionFactory(t *testing.T) {
	ctx := context.Background()
	factory := pgxsession.NewFactory(testPool)
	table := scratchTable(t)

	interceptor, err := reqscope.New(reqscope.Config{Factory: factory})
	require.NoError(t, err)

	req := reqscope.NewRequest()
	require.NoError(t, interceptor.OnScopeEnter(ctx, req))
	require.NoError(t, interceptor.OnScopeEnter(ctx, req)) // nested region participates

	v, ok := req.Bindings().Lookup(string(interceptor.Key()))
	require.True(t, ok)
	session := v.(*reqscope.Holder).Resource().(*pgxsession.Session)
	require.True(t, session.Deferred(), "interceptor must switch the session to deferred writes")

	require.NoError(t, session.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (n) VALUES ($1)", table), 1))
	require.NoError(t, session.Flush(ctx))

	require.NoError(t, interceptor.OnScopeExit(ctx, req, nil))
	require.NoError(t, interceptor.OnScopeExit(ctx, req, nil))

	assert.Equal(t, 1, countRows(t, table))
	assert.ErrorIs(t, session.Exec(ctx, "SELECT 1"), pgxsession.ErrSessionClosed)
}

// Suspend a request, complete the background computation with NOTIFY, and
// verify the resumed entry re-binds the original session.
func TestResumer_ResumesSuspendedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := fmt.Sprintf("reqscope_test_%d", rand.IntN(1000000))
	resumer := pgxsession.NewResumer(testPool, channel)
	go func() {
		if err := resumer.Listen(ctx); err != nil && ctx.Err() == nil {
			panic(fmt.Sprintf("resumer listener failed: %v", err))
		}
	}()
	time.Sleep(200 * time.Millisecond) // Give the listener time to connect

	factory := pgxsession.NewFactory(testPool)
	interceptor, err := reqscope.New(reqscope.Config{Factory: factory})
	require.NoError(t, err)

	req := reqscope.NewRequest()
	require.NoError(t, interceptor.OnScopeEnter(ctx, req))
	v, ok := req.Bindings().Lookup(string(interceptor.Key()))
	require.True(t, ok)
	original := v.(*reqscope.Holder).Resource().(*pgxsession.Session)

	require.NoError(t, interceptor.OnAsyncSuspendStarted(req))

	resumed := make(chan struct{})
	require.NoError(t, resumer.Watch(req, func() {
		defer close(resumed)
		require.NoError(t, interceptor.OnScopeEnter(ctx, req))
	}))

	require.NoError(t, pgxsession.Notify(ctx, testPool, channel, req.ID(), "report-ready"))

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not resumed after notification")
	}

	result, ok := req.Async().ConcurrentResult()
	require.True(t, ok)
	assert.Equal(t, "report-ready", result)

	v, ok = req.Bindings().Lookup(string(interceptor.Key()))
	require.True(t, ok)
	assert.Same(t, original, v.(*reqscope.Holder).Resource().(*pgxsession.Session),
		"resume must re-bind the original session")

	require.NoError(t, interceptor.OnScopeExit(ctx, req, nil))
	assert.ErrorIs(t, original.Exec(ctx, "SELECT 1"), pgxsession.ErrSessionClosed)
}

// A suspension whose notification never arrives is abandoned by the watch
// timeout, closing the captured session.
func TestResumer_WatchTimeoutAbandons(t *testing.T) {
	ctx := context.Background()

	channel := fmt.Sprintf("reqscope_test_%d", rand.IntN(1000000))
	resumer := pgxsession.NewResumer(testPool, channel)

	factory := pgxsession.NewFactory(testPool)
	interceptor, err := reqscope.New(reqscope.Config{Factory: factory})
	require.NoError(t, err)

	req := reqscope.NewRequest()
	require.NoError(t, interceptor.OnScopeEnter(ctx, req))
	v, ok := req.Bindings().Lookup(string(interceptor.Key()))
	require.True(t, ok)
	session := v.(*reqscope.Holder).Resource().(*pgxsession.Session)

	require.NoError(t, interceptor.OnAsyncSuspendStarted(req))
	require.NoError(t, resumer.Watch(req, func() {
		t.Error("resume callback should not run")
	}, pgxsession.WithResumeTimeout(100*time.Millisecond)))

	require.Eventually(t, func() bool {
		return errors.Is(session.Exec(ctx, "SELECT 1"), pgxsession.ErrSessionClosed)
	}, 5*time.Second, 50*time.Millisecond, "abandoned session should be closed")

	assert.False(t, resumer.Unwatch(req), "watch should already be gone")
}

// A failed release during timeout abandonment is reported through the
// resumer's logger instead of vanishing.
func TestResumer_LogsAbandonReleaseFailure(t *testing.T) {
	ctx := context.Background()

	core, observed := observer.New(zap.ErrorLevel)
	channel := fmt.Sprintf("reqscope_test_%d", rand.IntN(1000000))
	resumer := pgxsession.NewResumer(testPool, channel, pgxsession.WithLogger(zap.New(core)))

	factory := &stubFactory{closeErr: errors.New("engine: rollback failed")}
	interceptor, err := reqscope.New(reqscope.Config{Factory: factory})
	require.NoError(t, err)

	req := reqscope.NewRequest()
	require.NoError(t, interceptor.OnScopeEnter(ctx, req))
	require.NoError(t, interceptor.OnAsyncSuspendStarted(req))

	require.NoError(t, resumer.Watch(req, func() {
		t.Error("resume callback should not run")
	}, pgxsession.WithResumeTimeout(50*time.Millisecond)))

	require.Eventually(t, func() bool {
		return observed.FilterMessage("failed to release abandoned suspension").Len() == 1
	}, 5*time.Second, 50*time.Millisecond, "release failure should be logged")

	entry := observed.FilterMessage("failed to release abandoned suspension").All()[0]
	assert.Equal(t, req.ID().String(), entry.ContextMap()["request"])
}

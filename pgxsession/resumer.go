package pgxsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgxlisten"
	"go.uber.org/zap"

	"github.com/mkmn/reqscope"
)

// Resumer resumes suspended requests when a background computation signals
// completion through PostgreSQL NOTIFY. The notification payload is the
// suspended request's ID, optionally followed by ":" and the concurrent
// result.
//
// The host suspends a request (OnAsyncSuspendStarted), registers it with
// Watch, and re-enters the protected scope from the resume callback. A watch
// timeout abandons the suspension instead, releasing the captured resource.
type Resumer struct {
	channel  string
	listener *pgxlisten.Listener
	logger   *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	req    *reqscope.Request
	resume func()
	timer  *time.Timer
}

// ResumerOption configures a Resumer.
type ResumerOption func(*Resumer)

// WithLogger sets the logger for resumption lifecycle events. The default is
// a no-op logger.
func WithLogger(logger *zap.Logger) ResumerOption {
	return func(r *Resumer) {
		r.logger = logger
	}
}

// NewResumer creates a resumer listening on the given notification channel.
// The listener dials its own connection using the pool's configuration, the
// pool itself is not used for listening.
func NewResumer(pool *pgxpool.Pool, channel string, opts ...ResumerOption) *Resumer {
	r := &Resumer{
		channel: channel,
		logger:  zap.NewNop(),
		watches: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.listener = &pgxlisten.Listener{
		Connect: func(ctx context.Context) (*pgx.Conn, error) {
			config := pool.Config().ConnConfig.Copy()
			return pgx.ConnectConfig(ctx, config)
		},
	}
	r.listener.Handle(channel, pgxlisten.HandlerFunc(r.handleNotification))
	return r
}

// Listen serves notifications until ctx is cancelled.
func (r *Resumer) Listen(ctx context.Context) error {
	return r.listener.Listen(ctx)
}

// WatchOption configures a single Watch registration.
type WatchOption func(*watchOptions)

type watchOptions struct {
	timeout time.Duration
}

// WithResumeTimeout abandons the suspension if no notification arrives
// within d, closing the captured resource through the request's async state.
func WithResumeTimeout(d time.Duration) WatchOption {
	return func(opts *watchOptions) {
		opts.timeout = d
	}
}

// Watch registers a suspended request. The resume callback is invoked on its
// own goroutine once a notification carrying the request ID arrives, after
// the concurrent result has been recorded on the request.
func (r *Resumer) Watch(req *reqscope.Request, resume func(), opts ...WatchOption) error {
	options := &watchOptions{}
	for _, opt := range opts {
		opt(options)
	}

	id := req.ID().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.watches[id]; exists {
		return fmt.Errorf("pgxsession: request %s is already watched", id)
	}
	w := &watch{req: req, resume: resume}
	if options.timeout > 0 {
		w.timer = time.AfterFunc(options.timeout, func() {
			r.abandon(id)
		})
	}
	r.watches[id] = w
	return nil
}

// Unwatch removes a registration, reporting whether one existed. It is used
// when the host completes the request through some other path.
func (r *Resumer) Unwatch(req *reqscope.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := req.ID().String()
	w, exists := r.watches[id]
	if !exists {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(r.watches, id)
	return true
}

// abandon releases a watched suspension that will never resume.
func (r *Resumer) abandon(id string) {
	r.mu.Lock()
	w, ok := r.watches[id]
	delete(r.watches, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := w.req.Async().Abandon(context.Background()); err != nil {
		r.logger.Error("failed to release abandoned suspension",
			zap.String("request", id),
			zap.Error(err))
	}
}

// handleNotification implements delivery for the pgxlisten listener. The
// resume callback runs on its own goroutine so the listener loop is never
// blocked.
func (r *Resumer) handleNotification(ctx context.Context, notification *pgconn.Notification, _ *pgx.Conn) error {
	id, result, _ := strings.Cut(notification.Payload, ":")

	r.mu.Lock()
	w, ok := r.watches[id]
	if ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(r.watches, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	w.req.Async().SetConcurrentResult(result)
	go w.resume()
	return nil
}

// Notify signals completion of the background computation for the given
// request, waking its watcher in whichever process holds it.
func Notify(ctx context.Context, pool *pgxpool.Pool, channel string, requestID uuid.UUID, result string) error {
	payload := requestID.String()
	if result != "" {
		payload += ":" + result
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("failed to notify waiting request: %w", err)
	}
	return nil
}

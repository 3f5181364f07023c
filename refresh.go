package sdk

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultRefreshTimeout = 30 * time.Second

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

func (s refreshState) String() string {
	if s == stateRefreshing {
		return "refreshing"
	}
	return "idle"
}

type replayResult struct {
	resp *http.Response
	err  error
}

// pendingRequest is a request that hit 401 while an exchange was already in
// flight. It is settled exactly once: replayed with the new token, or rejected
// with the exchange error.
type pendingRequest struct {
	req  *http.Request
	done chan replayResult

	mu        sync.Mutex
	settled   bool
	abandoned bool
}

func newPendingRequest(req *http.Request) *pendingRequest {
	return &pendingRequest{req: req, done: make(chan replayResult, 1)}
}

func (p *pendingRequest) settle(res replayResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	if p.abandoned {
		// Nobody is waiting for this response any more.
		drainAndClose(res.resp)
		return
	}
	p.done <- res
}

func (p *pendingRequest) wait(ctx context.Context) (*http.Response, error) {
	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
	}
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		res := <-p.done
		return res.resp, res.err
	}
	p.abandoned = true
	p.mu.Unlock()
	return nil, ctx.Err()
}

// replayQueue holds pending requests in arrival order. Guarded by the
// coordinator's mutex.
type replayQueue struct {
	entries []*pendingRequest
}

func (q *replayQueue) push(p *pendingRequest) { q.entries = append(q.entries, p) }

func (q *replayQueue) len() int { return len(q.entries) }

// take empties the queue and returns what it held.
func (q *replayQueue) take() []*pendingRequest {
	out := q.entries
	q.entries = nil
	return out
}

// refreshCoordinator turns a burst of 401 responses into a single refresh
// exchange and fans its outcome out to every request that failed meanwhile.
type refreshCoordinator struct {
	mu    sync.Mutex
	state refreshState
	queue replayQueue

	holder *CredentialHolder
	// exchange performs the refresh call and returns the new token.
	exchange func(ctx context.Context) (string, error)
	// replay re-sends req stamped with token, bypassing this coordinator.
	// dispatched, when non-nil, is called once the request is handed to the
	// transport.
	replay func(req *http.Request, token string, dispatched func()) (*http.Response, error)
	// teardown clears local session state. It never touches the network.
	teardown func(ctx context.Context)
	// isExchange reports whether req targets the refresh endpoint.
	isExchange func(req *http.Request) bool

	timeout   time.Duration
	telemetry TelemetryHooks
}

// handleUnauthorized is the post-response hook for HTTP 401. prior is
// consumed in every branch.
func (c *refreshCoordinator) handleUnauthorized(req *http.Request, prior *http.Response) (*http.Response, error) {
	ctx := req.Context()

	if c.isExchange(req) {
		// The refresh call itself was rejected: the renewal capability is
		// gone, retrying would loop.
		err := decodeAPIError(prior)
		drainAndClose(prior)
		c.telemetry.log(ctx, LogLevelError, "refresh_request_rejected", map[string]any{
			"status": prior.StatusCode,
		})
		c.teardown(ctx)
		return nil, err
	}
	drainAndClose(prior)

	c.mu.Lock()
	if c.state == stateRefreshing {
		p := newPendingRequest(req)
		c.queue.push(p)
		depth := c.queue.len()
		c.mu.Unlock()
		c.telemetry.log(ctx, LogLevelDebug, "request_queued_for_refresh", map[string]any{
			"method": req.Method,
			"url":    req.URL.String(),
			"depth":  depth,
		})
		return p.wait(ctx)
	}
	c.state = stateRefreshing
	c.mu.Unlock()

	token, err := c.runExchange(ctx)
	if err != nil {
		c.fail(ctx, err)
		return nil, err
	}
	c.holder.set(ctx, token)

	c.mu.Lock()
	queued := c.queue.take()
	c.state = stateIdle
	c.mu.Unlock()
	c.telemetry.metric(ctx, MetricReplayQueueDepth, float64(len(queued)), nil)

	// Queued requests go out in arrival order, each on its own goroutine;
	// the next is started once the previous has been handed to the
	// transport. The trigger goes last.
	for _, p := range queued {
		sent := make(chan struct{})
		var once sync.Once
		dispatched := func() { once.Do(func() { close(sent) }) }
		go func() {
			defer dispatched()
			resp, err := c.replay(p.req, token, dispatched)
			p.settle(replayResult{resp: resp, err: err})
		}()
		<-sent
	}
	return c.replay(req, token, nil)
}

// fail rejects every queued request and tears the session down while the
// state is still refreshing, so a late 401 carrying the old token queues
// instead of starting a second exchange. Requests queued during teardown
// are rejected with the same error.
func (c *refreshCoordinator) fail(ctx context.Context, err error) {
	c.mu.Lock()
	queued := c.queue.take()
	c.mu.Unlock()
	for _, p := range queued {
		p.settle(replayResult{err: err})
	}

	c.teardown(ctx)

	c.mu.Lock()
	late := c.queue.take()
	c.state = stateIdle
	c.mu.Unlock()
	for _, p := range late {
		p.settle(replayResult{err: err})
	}
	c.telemetry.metric(ctx, MetricReplayQueueDepth, float64(len(queued)+len(late)), nil)
}

func (c *refreshCoordinator) runExchange(ctx context.Context) (string, error) {
	// The exchange serves every queued caller, so it outlives the caller that
	// happened to trigger it.
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	token, err := c.exchange(ctx)
	if err == nil && token == "" {
		err = MissingCredentialError{Operation: "refresh"}
	}
	outcome := "success"
	fields := map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	if err != nil {
		outcome = "failure"
		err = RecoveryExchangeError{Cause: err}
		fields["error"] = err.Error()
		c.telemetry.log(ctx, LogLevelError, "refresh_failed", fields)
	} else {
		c.telemetry.log(ctx, LogLevelInfo, "refresh_succeeded", fields)
	}
	c.telemetry.metric(ctx, MetricRefreshExchange, 1, map[string]string{"outcome": outcome})
	return token, err
}

func (c *refreshCoordinator) snapshot() (refreshState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.queue.len()
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	//nolint:errcheck // best-effort drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

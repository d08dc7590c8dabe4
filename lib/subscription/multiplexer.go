// Package subscription multiplexes server-push updates to clients over a
// single persistent transport, per spec.md §4.3. Two wire bindings are
// offered: server-sent events (github.com/tmaxmax/go-sse, the teacher's
// existing dependency) and a WebSocket graphql-transport-ws binding
// (github.com/gorilla/websocket). The logical model underneath both is
// identical: one upstream channel of Frames per subscription, forwarded to
// the client sink in upstream-emit order with a bounded buffer.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/devmesh/controlplane/lib/gqlerr"
)

// FrameType discriminates a subscription Frame.
type FrameType string

const (
	FrameNext     FrameType = "next"
	FrameError    FrameType = "error"
	FrameComplete FrameType = "complete"
)

// Frame is one unit pushed to a subscribed client.
type Frame struct {
	Type    FrameType
	Payload any
	Err     *gqlerr.Error
}

// DefaultBufferSize is the default bounded outgoing buffer per subscription
// (spec.md §4.3: "default 256 frames").
const DefaultBufferSize = 256

// DefaultCancelWindow bounds how long an upstream subgraph has to stop
// emitting after cancellation before stragglers are discarded (spec.md §4.3:
// "default 5s").
const DefaultCancelWindow = 5 * time.Second

// Upstream produces Frames for one subscription until it closes its
// returned channel (completion) or the context is cancelled.
type Upstream func(ctx context.Context) (<-chan Frame, error)

// Subscription is one active client subscription: an independent logical
// task reading from its upstream and writing to Out.
type Subscription struct {
	ID      string
	Out     chan Frame
	cancel  context.CancelFunc
	done    chan struct{}
	doneErr error
}

// Done is closed once the subscription has terminated (complete, error, or
// cancellation), after which no further Frames are sent on Out.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, if the subscription ended with one
// (including ErrBufferOverflow).
func (s *Subscription) Err() error { return s.doneErr }

// Cancel propagates client disconnect or explicit completion to the
// upstream, per spec.md §4.3's cancellation contract.
func (s *Subscription) Cancel() { s.cancel() }

// ErrBufferOverflow is the terminal error sent on overflow, never a silent
// drop, per spec.md §4.3.
var ErrBufferOverflow = gqlerr.New(gqlerr.CodeBufferOverflow, "subscription output buffer overflowed")

// Multiplexer tracks all active subscriptions on one transport connection.
// Tasks do not share mutable state except this registry, matching spec.md
// §4.3's "cooperative" scheduling model.
type Multiplexer struct {
	bufferSize   int
	cancelWindow time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewMultiplexer(bufferSize int, cancelWindow time.Duration) *Multiplexer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if cancelWindow <= 0 {
		cancelWindow = DefaultCancelWindow
	}
	return &Multiplexer{bufferSize: bufferSize, cancelWindow: cancelWindow, subs: make(map[string]*Subscription)}
}

// Subscribe starts a new logical subscription task: it reads from upstream
// and writes Frames to Out until terminal or cancelled. The caller consumes
// Out and must call Cancel (directly or via Unsubscribe) on client
// disconnect.
func (m *Multiplexer) Subscribe(ctx context.Context, id string, upstream Upstream) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     id,
		Out:    make(chan Frame, m.bufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	upstreamCh, err := upstream(ctx)
	if err != nil {
		cancel()
		close(sub.done)
		m.Unsubscribe(id)
		return nil, err
	}

	go m.pump(ctx, sub, upstreamCh)
	return sub, nil
}

func (m *Multiplexer) pump(ctx context.Context, sub *Subscription, upstream <-chan Frame) {
	defer func() {
		close(sub.done)
		m.Unsubscribe(sub.ID)
	}()

	for {
		select {
		case <-ctx.Done():
			m.drainWithinWindow(upstream)
			return
		case frame, ok := <-upstream:
			if !ok {
				return
			}
			select {
			case sub.Out <- frame:
			default:
				sub.doneErr = ErrBufferOverflow
				// Discard the oldest buffered frame so the terminal error fits.
				select {
				case <-sub.Out:
				default:
				}
				select {
				case sub.Out <- Frame{Type: FrameError, Err: ErrBufferOverflow}:
				default:
				}
				return
			}
			if frame.Type == FrameComplete || frame.Type == FrameError {
				return
			}
		}
	}
}

// drainWithinWindow gives the upstream up to cancelWindow to stop emitting on
// its own after cancellation before discarding it as a straggler.
func (m *Multiplexer) drainWithinWindow(upstream <-chan Frame) {
	timer := time.NewTimer(m.cancelWindow)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-upstream:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

// Unsubscribe cancels a subscription's task and removes it from the
// registry. Idempotent.
func (m *Multiplexer) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.cancel()
	}
	delete(m.subs, id)
}

// Active returns the number of currently tracked subscriptions.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

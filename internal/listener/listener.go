// Package listener accepts tap connections, decodes frames, and feeds
// a bounded ingress queue. The queue blocks when full so backpressure
// reaches the tap instead of dropping events.
package listener

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/talon/internal/envelope"
	"github.com/ppiankov/talon/internal/ipc"
	"github.com/ppiankov/talon/internal/spool"
	"github.com/ppiankov/talon/internal/stats"
	"github.com/ppiankov/talon/internal/trace"
)

// DefaultQueueSize bounds the ingress queue.
const DefaultQueueSize = 10000

// Message is one decoded frame: either a hook envelope to be mapped, or
// a record that already arrived in trace form.
type Message struct {
	Env       *envelope.Envelope
	Preformed *trace.TraceV1
}

// Listener owns the accept loop and the per-connection frame readers.
type Listener struct {
	ln    net.Listener
	spool *spool.Spool
	queue chan Message

	// sampleRate is parsed from configuration and held at the
	// pre-enqueue hook point. Sampling is reserved: no record is
	// dropped regardless of the value.
	sampleRate float64

	maxFrame int

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup
	closed bool
}

// New wraps an accepted net.Listener. The spool receives malformed
// envelopes; queueSize falls back to DefaultQueueSize when non-positive.
func New(ln net.Listener, sp *spool.Spool, queueSize int, sampleRate float64) *Listener {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Listener{
		ln:         ln,
		spool:      sp,
		queue:      make(chan Message, queueSize),
		sampleRate: sampleRate,
		maxFrame:   ipc.DefaultMaxFrameBytes,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Messages returns the ingress queue. The channel closes after Close
// and the connection drain complete.
func (l *Listener) Messages() <-chan Message { return l.queue }

// Serve runs the accept loop until the listener is closed. It returns
// nil on orderly shutdown.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return nil
		}
		l.conns[conn] = struct{}{}
		l.connWG.Add(1)
		l.mu.Unlock()
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		l.connWG.Done()
	}()

	for {
		frame, err := ipc.ReadFrame(conn, l.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			stats.Default.FramesRejected.Add(1)
			fmt.Fprintf(os.Stderr, "talon-agent: bad frame: %v\n", err)
			return
		}

		if rec, ok := trace.Preformed(frame); ok {
			l.enqueue(Message{Preformed: rec})
			continue
		}

		env, err := envelope.Parse(frame)
		if err != nil {
			stats.Default.EnvelopesQuarantine.Add(1)
			if qerr := l.spool.Quarantine(frame, "malformed envelope: "+err.Error()); qerr != nil {
				fmt.Fprintf(os.Stderr, "talon-agent: quarantine envelope: %v\n", qerr)
			}
			continue
		}
		l.enqueue(Message{Env: &env})
	}
}

// enqueue blocks when the queue is full. Connection reads stall, the
// frame stays unread in the kernel buffer, and the tap blocks on write.
func (l *Listener) enqueue(m Message) {
	l.queue <- m
	stats.Default.EnvelopesAccepted.Add(1)
}

// Close stops accepting and waits up to grace for open connections to
// finish their current frames; stragglers are cut off. The ingress
// queue is closed once the drain completes.
func (l *Listener) Close(grace time.Duration) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()
		<-done
	}
	close(l.queue)
}

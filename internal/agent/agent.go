// Package agent wires the pipeline together: IPC listener, mapper,
// batcher, delivery, and spool replay, with orderly shutdown.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/talon/internal/batch"
	"github.com/ppiankov/talon/internal/config"
	"github.com/ppiankov/talon/internal/deliver"
	"github.com/ppiankov/talon/internal/enrich"
	"github.com/ppiankov/talon/internal/ipc"
	"github.com/ppiankov/talon/internal/listener"
	"github.com/ppiankov/talon/internal/spool"
	"github.com/ppiankov/talon/internal/stats"
	"github.com/ppiankov/talon/internal/trace"
)

const (
	// connGrace is how long open tap connections get to finish their
	// current frames during shutdown.
	connGrace = 2 * time.Second

	// drainInterval retries the spool while pending bytes exist.
	drainInterval = 30 * time.Second
)

// Agent supervises the capture pipeline for one IPC endpoint.
type Agent struct {
	cfg config.Config

	sp      *spool.Spool
	enr     *enrich.Cache
	mapper  *trace.Mapper
	client  *deliver.Client
	batcher *batch.Batcher
	lst     *listener.Listener

	// drainReq coalesces spool-drain triggers: startup and every 2xx land
	// here. The periodic timer replays directly inside drainLoop.
	drainReq chan struct{}

	runCtx context.Context
	wg     sync.WaitGroup
}

// New builds an agent from resolved configuration.
func New(cfg config.Config) *Agent {
	return &Agent{
		cfg:      cfg,
		drainReq: make(chan struct{}, 1),
	}
}

// Run starts the pipeline and blocks until ctx is cancelled, then shuts
// down: stop accepting, drain connections, force-flush, spool whatever
// could not be delivered, remove the socket.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx

	sp, err := spool.Open(a.cfg.SpoolDir, a.cfg.SpoolBytes)
	if err != nil {
		return err
	}
	a.sp = sp

	pidPath := filepath.Join(sp.Dir(), "agent.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	a.enr = enrich.NewCache()
	defer a.enr.Close()
	a.mapper = trace.NewMapper(trace.NewMinter(), a.enr)

	a.client = deliver.New(a.cfg.Endpoint, a.cfg.APIKey, a.cfg.Timeout(),
		deliver.WithHealthSignal(a.requestDrain))
	a.batcher = batch.New(a.cfg.BatchSize, a.cfg.BatchBytes, a.cfg.BatchInterval(), a.ship)

	ln, err := ipc.Listen(a.cfg.Socket)
	if err != nil {
		return fmt.Errorf("agent: bind %s: %w", a.cfg.Socket, err)
	}
	a.lst = listener.New(ln, sp, a.cfg.QueueSize, a.cfg.SampleRate)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.lst.Serve() }()

	a.wg.Add(1)
	go a.mapLoop()

	drainDone := make(chan struct{})
	drainStop := make(chan struct{})
	go a.drainLoop(drainStop, drainDone)
	a.requestDrain()

	fmt.Fprintf(os.Stderr, "talon-agent: listening on %s, delivering to %s\n",
		a.cfg.Socket, a.cfg.Endpoint)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "talon-agent: %v\n", err)
		}
	}

	a.lst.Close(connGrace)
	// The mapper drains the remaining queue, then the batcher force-flushes
	// through the normal delivery and spool path.
	a.wg.Wait()
	a.batcher.Close()
	close(drainStop)
	<-drainDone
	ipc.Cleanup(a.cfg.Socket)

	fmt.Fprintf(os.Stderr, "talon-agent: %s\n", stats.Default.Read())
	return nil
}

// mapLoop converts queued messages to serialized trace records and
// feeds the batcher. Per-connection arrival order is preserved.
func (a *Agent) mapLoop() {
	defer a.wg.Done()
	for m := range a.lst.Messages() {
		var rec trace.TraceV1
		if m.Preformed != nil {
			a.mapper.Canonicalize(m.Preformed)
			rec = *m.Preformed
		} else {
			rec = a.mapper.Map(*m.Env)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "talon-agent: marshal record: %v\n", err)
			continue
		}
		a.batcher.Add(data)
	}
}

// ship is the batcher's delivery function: try the collector, spool on
// transient failure, quarantine on permanent rejection. It never drops
// a batch silently.
func (a *Agent) ship(records [][]byte) {
	ctx, cancel := a.shipContext()
	defer cancel()
	switch a.client.Ship(ctx, records) {
	case deliver.Shipped:
	case deliver.Transient:
		stats.Default.BatchesSpooled.Add(1)
		if err := a.sp.Append(records); err != nil {
			fmt.Fprintf(os.Stderr, "talon-agent: spool batch: %v\n", err)
		}
	case deliver.Permanent:
		stats.Default.BatchesQuarantined.Add(1)
		if err := a.sp.QuarantineBatch(records, "collector rejected batch"); err != nil {
			fmt.Fprintf(os.Stderr, "talon-agent: quarantine batch: %v\n", err)
		}
	}
}

// shipContext bounds delivery. While running, the pass inherits the run
// context so cancellation cuts retries short. During shutdown the final
// flush gets one fresh timeout window; anything still undelivered after
// that is spooled.
func (a *Agent) shipContext() (context.Context, context.CancelFunc) {
	if a.runCtx.Err() != nil {
		return context.WithTimeout(context.Background(), a.cfg.Timeout())
	}
	return context.WithCancel(a.runCtx)
}

func (a *Agent) requestDrain() {
	select {
	case a.drainReq <- struct{}{}:
	default:
	}
}

// drainLoop replays the spool on demand and on a timer while pending
// bytes exist.
func (a *Agent) drainLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-a.drainReq:
			a.replay()
		case <-ticker.C:
			if a.sp.PendingBytes() > 0 {
				a.replay()
			}
		}
	}
}

func (a *Agent) replay() {
	ship := func(records [][]byte) spool.Outcome {
		ctx, cancel := a.shipContext()
		defer cancel()
		switch a.client.Ship(ctx, records) {
		case deliver.Shipped:
			return spool.Shipped
		case deliver.Permanent:
			return spool.Permanent
		default:
			return spool.Transient
		}
	}
	n, drained, err := a.sp.Replay(ship, spool.ReplayBatchSize, a.cfg.BatchBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talon-agent: replay: %v\n", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(os.Stderr, "talon-agent: replayed %d spooled records (drained=%v)\n", n, drained)
	}
}

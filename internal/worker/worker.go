// Package worker implements the Expert Worker: a
// long-lived WebSocket client of the scheduler that starts and stops
// expert instances as job/stop/restart frames arrive, and asks for
// more work whenever it has free capacity.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostrmarket/askexperts/internal/scheduler"
)

const (
	dialRetryDelay = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	needJobPeriod  = 10 * time.Second
)

// Instance is a single running expert, as started by a Factory.
type Instance interface {
	// Run blocks until ctx is cancelled or the expert exits on its
	// own (e.g. a fatal wallet error). A non-nil error is logged but
	// never causes the worker to crash.
	Run(ctx context.Context) error
}

// Factory builds an Instance for one job. The job carries everything
// the instance needs, wallet connection string included — workers
// never read the scheduler's store. Supplied by the process embedding
// this package (cmd/worker), since only it knows which relaypool,
// payment backend, pricer and reply generator the instance should use.
type Factory func(job scheduler.JobSpec) (Instance, error)

// Worker dials a scheduler's control plane and runs expert instances
// as directed. One Worker can run many experts concurrently. Capacity
// only decides whether the worker sends periodic need_job requests;
// startJob starts every job the scheduler sends, whatever the count.
type Worker struct {
	SchedulerURL string
	Capacity     int
	Types        []string // expert types this worker can run
	// ID durably identifies this worker across reconnects
	// so the scheduler can reconcile its running set back to the slot
	// it had before the drop instead of treating it as a new worker.
	// Left empty, a random id is generated once at startup — durable
	// only for the process lifetime, not across restarts, so a
	// deployment that wants restart-stable adoption should set this
	// from persisted config.
	ID          string
	NewInstance Factory
	Log         *slog.Logger

	mu      sync.Mutex
	running map[string]*runningInstance // by pubkey
	conn    *websocket.Conn
	sendMu  sync.Mutex
}

// runningInstance is one live expert's handle. done is closed once the
// instance goroutine has fully torn down and released its running-map
// slot, so a restart can wait for the old instance before starting the
// new one. quiet suppresses the "stopped" report during a restart —
// the scheduler would otherwise requeue an expert this worker is about
// to start again.
type runningInstance struct {
	cancel context.CancelFunc
	done   chan struct{}
	quiet  bool
}

func (w *Worker) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

func (w *Worker) id() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ID == "" {
		w.ID = generateWorkerID()
		w.logger().Warn("no worker id configured, generated a random one for this process", "worker_id", w.ID)
	}
	return w.ID
}

func generateWorkerID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "w-" + hex.EncodeToString(b[:])
}

func (w *Worker) runningPubkeys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	pubkeys := make([]string, 0, len(w.running))
	for pk := range w.running {
		pubkeys = append(pubkeys, pk)
	}
	return pubkeys
}

// Run connects to the scheduler and processes control-plane messages
// until ctx is cancelled, reconnecting on disconnect.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.running = make(map[string]*runningInstance)
	w.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := w.runOnce(ctx); err != nil {
			w.logger().Warn("scheduler connection lost", "error", err)
		}

		select {
		case <-time.After(dialRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.SchedulerURL, nil)
	if err != nil {
		return fmt.Errorf("dial scheduler: %w", err)
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	hello := scheduler.Message{
		Type:     "hello",
		WorkerID: w.id(),
		Types:    w.Types,
		Experts:  w.runningPubkeys(),
	}
	if err := w.send(hello); err != nil {
		return fmt.Errorf("announce to scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pingLoop(runCtx, conn)
	go w.needJobLoop(runCtx)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg scheduler.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			w.logger().Warn("malformed scheduler message", "error", err)
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sendMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) needJobLoop(ctx context.Context) {
	ticker := time.NewTicker(needJobPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if w.freeCapacity() > 0 {
				_ = w.send(scheduler.Message{Type: "need_job"})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) freeCapacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Capacity - len(w.running)
}

func (w *Worker) send(msg scheduler.Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("worker: not connected")
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (w *Worker) handle(ctx context.Context, msg scheduler.Message) {
	switch msg.Type {
	case "job":
		if msg.Job != nil {
			w.startJob(ctx, *msg.Job)
		}
	case "stop":
		w.stopJob(msg.Pubkey, false)
	case "restart":
		// Wait for the old instance to fully tear down before starting
		// the replacement: startJob's dedup guard would otherwise see
		// the old running-map entry and drop the fresh job on the
		// floor. Teardown is prompt — the instance only has to notice
		// its context cancellation.
		if done := w.stopJob(msg.Pubkey, true); done != nil {
			<-done
		}
		if msg.Job != nil {
			w.startJob(ctx, *msg.Job)
		}
	case "no_job":
		// nothing to do; needJobLoop will ask again later
	}
}

func (w *Worker) startJob(ctx context.Context, job scheduler.JobSpec) {
	w.mu.Lock()
	if _, already := w.running[job.Pubkey]; already {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	instance, err := w.NewInstance(job)
	if err != nil {
		w.logger().Warn("start job: build instance failed", "expert", job.Pubkey, "error", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	ri := &runningInstance{cancel: cancel, done: make(chan struct{})}
	w.mu.Lock()
	w.running[job.Pubkey] = ri
	w.mu.Unlock()

	_ = w.send(scheduler.Message{Type: "started", Pubkey: job.Pubkey})

	go func() {
		defer func() {
			w.mu.Lock()
			// Delete only our own entry: a restart may already have
			// installed a successor under the same pubkey.
			if w.running[job.Pubkey] == ri {
				delete(w.running, job.Pubkey)
			}
			quiet := ri.quiet
			w.mu.Unlock()
			close(ri.done)
			if !quiet {
				_ = w.send(scheduler.Message{Type: "stopped", Pubkey: job.Pubkey})
			}
		}()

		if err := instance.Run(jobCtx); err != nil && jobCtx.Err() == nil {
			w.logger().Warn("expert instance exited", "expert", job.Pubkey, "error", err)
		}
	}()
}

// stopJob cancels the expert's instance and returns a channel that is
// closed once teardown has finished, or nil when nothing was running.
// quiet suppresses the "stopped" report, used by the restart path so
// the scheduler doesn't requeue an expert this worker is about to
// start again.
func (w *Worker) stopJob(pubkey string, quiet bool) <-chan struct{} {
	w.mu.Lock()
	ri, ok := w.running[pubkey]
	if ok && quiet {
		ri.quiet = true
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	ri.cancel()
	return ri.done
}

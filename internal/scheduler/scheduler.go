package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	pollInterval = 5 * time.Second
	// pollLimit bounds one tick's incremental registry read; anything
	// beyond it is picked up next tick, since resuming from the highest
	// Timestamp seen.
	pollLimit = 1000
	// requeueDelay bounds how long an expert stays marked "assigned"
	// to a worker that has gone silent before it's put back in the
	// queue for another worker to pick up.
	requeueDelay = 60 * time.Second
	// expertStartTimeout bounds how long the scheduler waits for a
	// "started" ack after handing a worker a job before giving up on
	// that attempt and re-queueing the expert for another worker.
	expertStartTimeout = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// expertStatus is the scheduler's authoritative record of one
// expert's assignment.
type expertStatus struct {
	expert market.Expert
	// nwc is the expert's wallet connection string, resolved from the
	// store during polling so dispatch never blocks on a DB read while
	// holding mu. Shipped to workers inside the job frame.
	nwc string

	assigned bool
	// starting is true from the moment a job is handed to a worker
	// until that worker acks "started" or expertStartTimeout elapses,
	// whichever comes first.
	starting bool
	workerID string
}

// workerConn is one connected worker's control-plane socket.
type workerConn struct {
	id      string
	conn    *websocket.Conn
	send    chan Message
	experts map[string]bool // expert types this worker declared it can run
}

// Scheduler holds the authoritative expert_state/queue/workers maps
// and drives both the DB polling loop and the worker control plane.
// All map access goes through the single mu lock — one coarse lock
// is plenty for registries this size.
type Scheduler struct {
	Store store.Store
	Log   *slog.Logger

	// StartTimeout and ReconnectTimeout override expertStartTimeout
	// and requeueDelay respectively when non-zero — config.
	// SchedulerConfig.StartTimeout()/ReconnectTimeout().
	StartTimeout     time.Duration
	ReconnectTimeout time.Duration

	mu          sync.Mutex
	expertState map[string]*expertStatus // by pubkey
	queue       []string                 // pubkeys awaiting assignment
	workers     map[string]*workerConn
	since       int64

	workerSeq int
}

// New creates a Scheduler reading from s.
func New(s store.Store) *Scheduler {
	return &Scheduler{
		Store:       s,
		expertState: make(map[string]*expertStatus),
		workers:     make(map[string]*workerConn),
	}
}

func (sch *Scheduler) startTimeout() time.Duration {
	if sch.StartTimeout > 0 {
		return sch.StartTimeout
	}
	return expertStartTimeout
}

func (sch *Scheduler) reconnectTimeout() time.Duration {
	if sch.ReconnectTimeout > 0 {
		return sch.ReconnectTimeout
	}
	return requeueDelay
}

func (sch *Scheduler) logger() *slog.Logger {
	if sch.Log != nil {
		return sch.Log
	}
	return slog.Default()
}

// Run starts the DB polling loop and blocks until ctx is cancelled.
func (sch *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := sch.poll(ctx); err != nil {
		sch.logger().Warn("initial poll failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := sch.poll(ctx); err != nil {
				sch.logger().Warn("poll failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (sch *Scheduler) poll(ctx context.Context) error {
	sch.mu.Lock()
	since := sch.since
	sch.mu.Unlock()

	experts, err := sch.Store.ListExpertsAfter(ctx, since, pollLimit)
	if err != nil {
		return fmt.Errorf("list experts after %d: %w", since, err)
	}
	if len(experts) == 0 {
		return nil
	}

	// Resolve wallet NWC strings before taking the lock: dispatch ships
	// them to workers inside job frames, and workers never read the
	// store themselves.
	nwcByWallet := make(map[int64]string)
	for _, e := range experts {
		if e.Disabled || e.WalletID == 0 {
			continue
		}
		if _, done := nwcByWallet[e.WalletID]; done {
			continue
		}
		w, err := sch.Store.GetWallet(ctx, e.WalletID)
		if err != nil {
			sch.logger().Warn("wallet lookup failed", "wallet", e.WalletID, "expert", e.Pubkey, "error", fmt.Errorf("%w: %v", market.ErrWalletNotFound, err))
			nwcByWallet[e.WalletID] = ""
			continue
		}
		nwcByWallet[e.WalletID] = w.NWC
	}

	sch.mu.Lock()
	defer sch.mu.Unlock()

	for _, e := range experts {
		if e.Timestamp > sch.since {
			sch.since = e.Timestamp
		}
		st, known := sch.expertState[e.Pubkey]
		if !known {
			st = &expertStatus{}
			sch.expertState[e.Pubkey] = st
		}
		changed := known && st.expert.Timestamp != e.Timestamp
		st.expert = e
		if nwc, ok := nwcByWallet[e.WalletID]; ok {
			st.nwc = nwc
		}

		if e.Disabled {
			sch.removeFromQueueLocked(e.Pubkey)
			if st.assigned {
				sch.sendToWorkerLocked(st.workerID, Message{Type: msgStop, Pubkey: e.Pubkey})
				st.assigned = false
				st.workerID = ""
			}
			continue
		}

		// A changed record for a live expert means its config is stale
		// on the hosting worker: restart it in place with the fresh
		// JobSpec and treat it as starting again.
		if st.assigned && changed {
			sch.sendToWorkerLocked(st.workerID, Message{Type: msgRestart, Pubkey: e.Pubkey, Job: jobSpecFor(e, st.nwc)})
			st.starting = true
			pubkey, workerID := e.Pubkey, st.workerID
			time.AfterFunc(sch.startTimeout(), func() { sch.checkStartTimeout(pubkey, workerID) })
			continue
		}

		if !st.assigned && !sch.inQueueLocked(e.Pubkey) {
			sch.queue = append(sch.queue, e.Pubkey)
		}
	}

	sch.dispatchLocked()
	return nil
}

func (sch *Scheduler) inQueueLocked(pubkey string) bool {
	for _, q := range sch.queue {
		if q == pubkey {
			return true
		}
	}
	return false
}

func (sch *Scheduler) removeFromQueueLocked(pubkey string) {
	out := sch.queue[:0]
	for _, q := range sch.queue {
		if q != pubkey {
			out = append(out, q)
		}
	}
	sch.queue = out
}

// dispatchLocked assigns queued experts to any worker declared able to
// run them. Called with mu held.
func (sch *Scheduler) dispatchLocked() {
	var remaining []string
	for _, pubkey := range sch.queue {
		st := sch.expertState[pubkey]
		if st == nil || st.assigned {
			continue
		}

		assigned := false
		for _, w := range sch.workers {
			if !w.experts[st.expert.Type] {
				continue
			}
			sch.assignLocked(w, st)
			assigned = true
			break
		}
		if !assigned {
			remaining = append(remaining, pubkey)
		}
	}
	sch.queue = remaining
}

func (sch *Scheduler) assignLocked(w *workerConn, st *expertStatus) {
	st.assigned = true
	st.starting = true
	st.workerID = w.id
	select {
	case w.send <- Message{Type: msgJob, Job: jobSpecFor(st.expert, st.nwc)}:
	default:
		sch.logger().Warn("worker send channel full, dropping job", "worker", w.id, "expert", st.expert.Pubkey)
	}

	pubkey, workerID := st.expert.Pubkey, w.id
	time.AfterFunc(sch.startTimeout(), func() { sch.checkStartTimeout(pubkey, workerID) })
}

// checkStartTimeout re-queues an expert that was handed to a worker
// but never acked "started" within expertStartTimeout.
func (sch *Scheduler) checkStartTimeout(pubkey, workerID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	st := sch.expertState[pubkey]
	if st == nil || st.workerID != workerID || !st.starting {
		return // already started, reassigned, or disabled since
	}

	sch.logger().Warn("expert start timed out", "expert", pubkey, "worker", workerID)
	st.assigned = false
	st.starting = false
	st.workerID = ""
	if !st.expert.Disabled && !sch.inQueueLocked(pubkey) {
		sch.queue = append(sch.queue, pubkey)
	}
	sch.dispatchLocked()
}

func (sch *Scheduler) sendToWorkerLocked(workerID string, msg Message) {
	w, ok := sch.workers[workerID]
	if !ok {
		return
	}
	select {
	case w.send <- msg:
	default:
	}
}

// HandleWebSocket upgrades an incoming HTTP request to a worker
// control-plane connection. The
// connection is registered under a throwaway id until the worker's
// first "hello" frame reveals its durable WorkerID; see
// adoptWorkerLocked.
func (sch *Scheduler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sch.logger().Warn("websocket upgrade failed", "error", err)
		return
	}

	sch.mu.Lock()
	sch.workerSeq++
	id := fmt.Sprintf("anon-%d", sch.workerSeq)
	wc := &workerConn{id: id, conn: conn, send: make(chan Message, 32), experts: make(map[string]bool)}
	sch.workers[id] = wc
	sch.mu.Unlock()

	sch.logger().Info("worker connected", "worker", id)

	go sch.writeLoop(wc)
	sch.readLoop(wc)
}

// adoptWorkerLocked renames wc's slot from its throwaway connect-time
// id to the durable WorkerID it announced, so a reconnecting worker's
// assignments (recorded under the id it used last time) are recognized
// as its own rather than orphaned. Called with mu held.
func (sch *Scheduler) adoptWorkerLocked(wc *workerConn, durableID string) {
	if durableID == "" || durableID == wc.id {
		return
	}
	delete(sch.workers, wc.id)
	wc.id = durableID
	sch.workers[durableID] = wc
}

func (sch *Scheduler) writeLoop(wc *workerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-wc.send:
			if !ok {
				return
			}
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteJSON(msg); err != nil {
				sch.logger().Warn("write to worker failed", "worker", wc.id, "error", err)
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sch *Scheduler) readLoop(wc *workerConn) {
	defer sch.onWorkerLost(wc)

	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			sch.logger().Warn("malformed worker message", "worker", wc.id, "error", err)
			continue
		}
		sch.handleWorkerMessage(wc, msg)
	}
}

func (sch *Scheduler) handleWorkerMessage(wc *workerConn, msg Message) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	switch msg.Type {
	case msgHello:
		sch.adoptWorkerLocked(wc, msg.WorkerID)

		wc.experts = make(map[string]bool, len(msg.Types))
		for _, t := range msg.Types {
			wc.experts[t] = true
		}
		sch.reconcileWorkerLocked(wc, msg.Experts)
		sch.dispatchLocked()

	case msgNeedJob:
		sch.dispatchLocked()
		if len(sch.queue) == 0 {
			select {
			case wc.send <- Message{Type: msgNoJob}:
			default:
			}
		}

	case msgStarted:
		if st := sch.expertState[msg.Pubkey]; st != nil {
			st.assigned = true
			st.starting = false
			st.workerID = wc.id
		}

	case msgStopped:
		if st := sch.expertState[msg.Pubkey]; st != nil {
			st.assigned = false
			st.starting = false
			st.workerID = ""
			if !st.expert.Disabled && !sch.inQueueLocked(msg.Pubkey) {
				sch.queue = append(sch.queue, msg.Pubkey)
			}
			// Not dispatched here: the expert waits in the queue for the
			// next need_job, hello, or poll that finds registry changes.
		}
	}
}

// reconcileWorkerLocked reconciles the scheduler's authoritative
// assignment state against the experts a (re)connected worker reports
// actually running: anything this worker id was assigned
// before a reconnect but no longer reports running is freed back to
// the queue; anything it reports running that the scheduler didn't
// already have assigned to it is adopted as confirmed, trusting the
// worker's own running set over stale scheduler bookkeeping. Called
// with mu held.
func (sch *Scheduler) reconcileWorkerLocked(wc *workerConn, runningList []string) {
	running := make(map[string]bool, len(runningList))
	for _, pk := range runningList {
		running[pk] = true
	}

	for pubkey, st := range sch.expertState {
		if st.workerID != wc.id || running[pubkey] {
			continue
		}
		st.assigned = false
		st.starting = false
		st.workerID = ""
		if !st.expert.Disabled && !sch.inQueueLocked(pubkey) {
			sch.queue = append(sch.queue, pubkey)
		}
	}

	for pubkey := range running {
		st := sch.expertState[pubkey]
		if st == nil || st.workerID == wc.id {
			continue
		}
		sch.removeFromQueueLocked(pubkey)
		st.assigned = true
		st.starting = false
		st.workerID = wc.id
	}
}

// onWorkerLost unregisters a disconnected worker and schedules a
// delayed re-queue of whatever it was running — immediate re-queue
// would race a worker that is merely reconnecting, not actually dead.
func (sch *Scheduler) onWorkerLost(wc *workerConn) {
	wc.conn.Close()

	sch.mu.Lock()
	delete(sch.workers, wc.id)
	// Closed only after the slot is gone and only under mu: every
	// producer resolves wc from sch.workers while holding mu, so once
	// we are past delete nothing can still pick this send channel up.
	close(wc.send)
	var orphaned []string
	for pubkey, st := range sch.expertState {
		if st.assigned && st.workerID == wc.id {
			orphaned = append(orphaned, pubkey)
		}
	}
	sch.mu.Unlock()

	sch.logger().Warn("worker disconnected", "worker", wc.id, "orphaned_experts", len(orphaned))

	for _, pubkey := range orphaned {
		pubkey := pubkey
		time.AfterFunc(sch.reconnectTimeout(), func() { sch.requeueIfStillOrphaned(pubkey, wc.id) })
	}
}

func (sch *Scheduler) requeueIfStillOrphaned(pubkey, lostWorkerID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	st := sch.expertState[pubkey]
	if st == nil || st.workerID != lostWorkerID {
		return // already reassigned or a new worker claimed it
	}
	if _, back := sch.workers[lostWorkerID]; back {
		return // the worker reconnected under its durable id; hello reconciliation owns the truth now
	}
	st.assigned = false
	st.workerID = ""
	if !st.expert.Disabled && !sch.inQueueLocked(pubkey) {
		sch.queue = append(sch.queue, pubkey)
	}
	sch.dispatchLocked()
}

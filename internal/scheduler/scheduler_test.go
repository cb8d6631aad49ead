package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/store"
)

func fakeWorker(types ...string) *workerConn {
	experts := make(map[string]bool, len(types))
	for _, t := range types {
		experts[t] = true
	}
	return &workerConn{id: "w1", send: make(chan Message, 8), experts: experts}
}

func TestPollQueuesNewExperts(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.Contains(t, sch.queue, "pk1")
}

func TestDispatchAssignsToCapableWorker(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	w := fakeWorker("assistant")
	sch.mu.Lock()
	sch.workers[w.id] = w
	sch.dispatchLocked()
	sch.mu.Unlock()

	select {
	case msg := <-w.send:
		assert.Equal(t, msgJob, msg.Type)
		require.NotNil(t, msg.Job)
		assert.Equal(t, "pk1", msg.Job.Pubkey)
	default:
		t.Fatal("expected a job message")
	}

	sch.mu.Lock()
	assert.Empty(t, sch.queue)
	assert.True(t, sch.expertState["pk1"].assigned)
	sch.mu.Unlock()
}

func TestDisabledExpertIsStoppedAndDequeued(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	w := fakeWorker("assistant")
	sch.mu.Lock()
	sch.workers[w.id] = w
	sch.dispatchLocked()
	<-w.send // drain the job message
	sch.mu.Unlock()

	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant", Disabled: true}))
	require.NoError(t, sch.poll(context.Background()))

	select {
	case msg := <-w.send:
		assert.Equal(t, msgStop, msg.Type)
	default:
		t.Fatal("expected a stop message")
	}

	sch.mu.Lock()
	assert.False(t, sch.expertState["pk1"].assigned)
	assert.NotContains(t, sch.queue, "pk1")
	sch.mu.Unlock()
}

func TestStoppedMessageRequeuesExpert(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	w := fakeWorker("assistant")
	sch.mu.Lock()
	sch.workers[w.id] = w
	sch.mu.Unlock()

	sch.handleWorkerMessage(w, Message{Type: msgStarted, Pubkey: "pk1"})
	sch.mu.Lock()
	assert.True(t, sch.expertState["pk1"].assigned)
	sch.mu.Unlock()

	sch.handleWorkerMessage(w, Message{Type: msgStopped, Pubkey: "pk1"})
	sch.mu.Lock()
	assert.False(t, sch.expertState["pk1"].assigned)
	assert.Contains(t, sch.queue, "pk1")
	sch.mu.Unlock()
}

func TestHelloAdoptsDurableWorkerID(t *testing.T) {
	s := store.NewInMemoryStore()
	sch := New(s)

	sch.mu.Lock()
	sch.workerSeq++
	wc := &workerConn{id: "anon-1", send: make(chan Message, 8), experts: make(map[string]bool)}
	sch.workers["anon-1"] = wc
	sch.mu.Unlock()

	sch.handleWorkerMessage(wc, Message{Type: msgHello, WorkerID: "worker-durable", Types: []string{"assistant"}})

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.Equal(t, "worker-durable", wc.id)
	_, stillAnon := sch.workers["anon-1"]
	assert.False(t, stillAnon)
	_, adopted := sch.workers["worker-durable"]
	assert.True(t, adopted)
	assert.True(t, wc.experts["assistant"])
}

func TestHelloReconciliationRequeuesExpertNoLongerRunning(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	sch.expertState["pk1"].assigned = true
	sch.expertState["pk1"].workerID = "worker-durable"
	sch.mu.Unlock()

	wc := &workerConn{id: "anon-2", send: make(chan Message, 8), experts: make(map[string]bool)}
	sch.mu.Lock()
	sch.workers["anon-2"] = wc
	sch.mu.Unlock()

	// the worker reconnects under its durable id but reports nothing
	// running — it must have restarted without pk1.
	sch.handleWorkerMessage(wc, Message{Type: msgHello, WorkerID: "worker-durable"})

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.False(t, sch.expertState["pk1"].assigned)
	assert.Contains(t, sch.queue, "pk1")
}

func TestHelloReconciliationAdoptsReportedRunningExpert(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	wc := &workerConn{id: "anon-3", send: make(chan Message, 8), experts: make(map[string]bool)}
	sch.mu.Lock()
	sch.workers["anon-3"] = wc
	sch.mu.Unlock()

	// the worker reconnects and reports pk1 as already running, even
	// though the scheduler never recorded an assignment for it (e.g.
	// the scheduler itself restarted).
	sch.handleWorkerMessage(wc, Message{Type: msgHello, WorkerID: "worker-durable", Experts: []string{"pk1"}})

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.True(t, sch.expertState["pk1"].assigned)
	assert.Equal(t, "worker-durable", sch.expertState["pk1"].workerID)
	assert.NotContains(t, sch.queue, "pk1")
}

func TestCheckStartTimeoutRequeuesUnstartedExpert(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	sch.expertState["pk1"].assigned = true
	sch.expertState["pk1"].starting = true
	sch.expertState["pk1"].workerID = "worker-1"
	sch.mu.Unlock()

	sch.checkStartTimeout("pk1", "worker-1")

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.False(t, sch.expertState["pk1"].assigned)
	assert.Contains(t, sch.queue, "pk1")
}

func TestCheckStartTimeoutIgnoresAlreadyStartedExpert(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	sch.removeFromQueueLocked("pk1")
	sch.expertState["pk1"].assigned = true
	sch.expertState["pk1"].starting = false // "started" already acked
	sch.expertState["pk1"].workerID = "worker-1"
	sch.mu.Unlock()

	sch.checkStartTimeout("pk1", "worker-1")

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.True(t, sch.expertState["pk1"].assigned)
	assert.NotContains(t, sch.queue, "pk1")
}

func TestDispatchShipsWalletNWCInJob(t *testing.T) {
	s := store.NewInMemoryStore()
	s.PutWallet(market.Wallet{ID: 7, Name: "ops", NWC: "nostr+walletconnect://abc?relay=wss%3A%2F%2Fr&secret=s"})
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant", WalletID: 7}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	w := fakeWorker("assistant")
	sch.mu.Lock()
	sch.workers[w.id] = w
	sch.dispatchLocked()
	sch.mu.Unlock()

	select {
	case msg := <-w.send:
		require.NotNil(t, msg.Job)
		assert.Equal(t, "nostr+walletconnect://abc?relay=wss%3A%2F%2Fr&secret=s", msg.Job.NWC)
		assert.Equal(t, int64(7), msg.Job.WalletID)
	default:
		t.Fatal("expected a job message")
	}
}

func TestPollRestartsAssignedExpertOnRecordChange(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant", Nickname: "v1"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	w := fakeWorker("assistant")
	sch.mu.Lock()
	sch.workers[w.id] = w
	sch.dispatchLocked()
	<-w.send // drain the job message
	sch.mu.Unlock()
	sch.handleWorkerMessage(w, Message{Type: msgStarted, Pubkey: "pk1"})

	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant", Nickname: "v2"}))
	require.NoError(t, sch.poll(context.Background()))

	select {
	case msg := <-w.send:
		assert.Equal(t, msgRestart, msg.Type)
		assert.Equal(t, "pk1", msg.Pubkey)
		require.NotNil(t, msg.Job)
		assert.Equal(t, "v2", msg.Job.Nickname)
	default:
		t.Fatal("expected a restart message")
	}

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.True(t, sch.expertState["pk1"].assigned)
	assert.True(t, sch.expertState["pk1"].starting, "restart re-arms the start handshake")
	assert.NotContains(t, sch.queue, "pk1")
}

func TestRequeueIfStillOrphanedSkipsReconnectedWorker(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	sch.removeFromQueueLocked("pk1")
	sch.expertState["pk1"].assigned = true
	sch.expertState["pk1"].workerID = "w-durable"
	// the worker dropped, then reconnected under the same durable id
	// before the requeue timer fired
	sch.workers["w-durable"] = fakeWorker("assistant")
	sch.mu.Unlock()

	sch.requeueIfStillOrphaned("pk1", "w-durable")

	sch.mu.Lock()
	defer sch.mu.Unlock()
	assert.True(t, sch.expertState["pk1"].assigned)
	assert.Equal(t, "w-durable", sch.expertState["pk1"].workerID)
	assert.NotContains(t, sch.queue, "pk1")
}

func TestRequeueIfStillOrphanedSkipsReclaimedExpert(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertExpert(context.Background(), market.Expert{Pubkey: "pk1", Type: "assistant"}))

	sch := New(s)
	require.NoError(t, sch.poll(context.Background()))

	sch.mu.Lock()
	sch.expertState["pk1"].assigned = true
	sch.expertState["pk1"].workerID = "w-dead"
	sch.mu.Unlock()

	// a different worker already reclaimed it before the timer fired
	sch.mu.Lock()
	sch.expertState["pk1"].workerID = "w-new"
	sch.mu.Unlock()

	sch.requeueIfStillOrphaned("pk1", "w-dead")

	sch.mu.Lock()
	assert.True(t, sch.expertState["pk1"].assigned)
	assert.Equal(t, "w-new", sch.expertState["pk1"].workerID)
	sch.mu.Unlock()
}

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/scheduler"
)

type fakeInstance struct {
	started chan struct{}
	done    chan struct{}
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{started: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeInstance) Run(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	close(f.done)
	return nil
}

func newTestWorker(t *testing.T, instances map[string]*fakeInstance) *Worker {
	var mu sync.Mutex
	return &Worker{
		Capacity: 4,
		running:  make(map[string]*runningInstance),
		NewInstance: func(job scheduler.JobSpec) (Instance, error) {
			mu.Lock()
			defer mu.Unlock()
			inst := instances[job.Pubkey]
			require.NotNil(t, inst, "unexpected job for %s", job.Pubkey)
			return inst, nil
		},
	}
}

func TestStartJobRunsInstanceAndTracksCapacity(t *testing.T) {
	inst := newFakeInstance()
	w := newTestWorker(t, map[string]*fakeInstance{"pk1": inst})

	assert.Equal(t, 4, w.freeCapacity())
	w.startJob(context.Background(), scheduler.JobSpec{Pubkey: "pk1", WalletID: 1})

	select {
	case <-inst.started:
	case <-time.After(time.Second):
		t.Fatal("instance never started")
	}

	assert.Equal(t, 3, w.freeCapacity())
}

func TestStopJobCancelsInstance(t *testing.T) {
	inst := newFakeInstance()
	w := newTestWorker(t, map[string]*fakeInstance{"pk1": inst})

	w.startJob(context.Background(), scheduler.JobSpec{Pubkey: "pk1", WalletID: 1})
	<-inst.started

	done := w.stopJob("pk1", false)
	require.NotNil(t, done)

	select {
	case <-inst.done:
	case <-time.After(time.Second):
		t.Fatal("instance never stopped")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("teardown never completed")
	}
	assert.Equal(t, 4, w.freeCapacity())
}

func TestStopJobOnUnknownPubkeyIsNoOp(t *testing.T) {
	w := newTestWorker(t, nil)
	assert.Nil(t, w.stopJob("unknown", false))
}

func TestRestartReplacesInstance(t *testing.T) {
	first := newFakeInstance()
	second := newFakeInstance()

	var mu sync.Mutex
	queue := []*fakeInstance{first, second}
	w := &Worker{
		Capacity: 4,
		running:  make(map[string]*runningInstance),
		NewInstance: func(scheduler.JobSpec) (Instance, error) {
			mu.Lock()
			defer mu.Unlock()
			require.NotEmpty(t, queue, "more jobs started than instances prepared")
			inst := queue[0]
			queue = queue[1:]
			return inst, nil
		},
	}

	w.startJob(context.Background(), scheduler.JobSpec{Pubkey: "pk1"})
	<-first.started

	// restart = stop then job; the fresh instance must actually start
	// rather than being dropped by the still-running old entry.
	w.handle(context.Background(), scheduler.Message{
		Type:   "restart",
		Pubkey: "pk1",
		Job:    &scheduler.JobSpec{Pubkey: "pk1", Nickname: "v2"},
	})

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("old instance never stopped")
	}
	select {
	case <-second.started:
	case <-time.After(time.Second):
		t.Fatal("replacement instance never started")
	}
	assert.Equal(t, 3, w.freeCapacity())
}

func TestStartJobIsIdempotentPerPubkey(t *testing.T) {
	inst := newFakeInstance()
	w := newTestWorker(t, map[string]*fakeInstance{"pk1": inst})

	w.startJob(context.Background(), scheduler.JobSpec{Pubkey: "pk1", WalletID: 1})
	<-inst.started
	w.startJob(context.Background(), scheduler.JobSpec{Pubkey: "pk1", WalletID: 1}) // no-op, already running

	assert.Equal(t, 3, w.freeCapacity())
}

// Package scheduler implements the Expert Scheduler: it
// holds the authoritative expert_state/queue/workers maps, polls the
// store for registry changes, and runs the WebSocket control-plane
// workers dial into.
package scheduler

import "github.com/nostrmarket/askexperts/internal/market"

// Message is the envelope every control-plane frame uses in both
// directions, discriminated by Type.
type Message struct {
	Type string `json:"type"`

	// worker -> scheduler
	//
	// WorkerID is durable across reconnects: a worker that
	// drops and redials presents the same id, so the scheduler can
	// adopt its slot back instead of treating it as a brand-new
	// worker. Types is the set of expert types this worker can run;
	// Experts is the set of expert pubkeys this worker is *currently
	// running*, reported on every hello so the scheduler can reconcile
	// its authoritative state against what the worker actually has
	// alive.
	WorkerID string   `json:"worker_id,omitempty"`
	Types    []string `json:"types,omitempty"`
	Experts  []string `json:"experts,omitempty"`
	Pubkey   string   `json:"pubkey,omitempty"`

	// scheduler -> worker
	Job *JobSpec `json:"job,omitempty"`
}

// JobSpec is everything a worker needs to start an expert instance.
// NWC is the expert's wallet connection string, resolved from the
// store by the scheduler at dispatch time — workers never read the
// store themselves.
type JobSpec struct {
	Pubkey   string            `json:"pubkey"`
	Privkey  string            `json:"privkey"`
	Nickname string            `json:"nickname"`
	Type     string            `json:"expert_type"`
	Env      map[string]string `json:"env,omitempty"`
	WalletID int64             `json:"wallet_id"`
	NWC      string            `json:"nwc_string,omitempty"`
}

const (
	// worker -> scheduler
	msgHello   = "hello" // announces WorkerID, Types, and the Experts already running
	msgNeedJob = "need_job"
	msgStarted = "started"
	msgStopped = "stopped"

	// scheduler -> worker
	msgJob     = "job"
	msgStop    = "stop"
	msgRestart = "restart"
	msgNoJob   = "no_job"
)

func jobSpecFor(e market.Expert, nwc string) *JobSpec {
	return &JobSpec{
		Pubkey:   e.Pubkey,
		Privkey:  e.Privkey,
		Nickname: e.Nickname,
		Type:     e.Type,
		Env:      e.Env,
		WalletID: e.WalletID,
		NWC:      nwc,
	}
}

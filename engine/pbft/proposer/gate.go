// Package proposer implements the gate that arbitrates between the
// consensus engine, which publishes "slot N is yours to propose into", and
// the proposer goroutine that consumes those slots to build PrePrepares.
// The atomic bool is the only lock-free state; the heap and view live
// behind a single mutex, and the proposer must never hold it across I/O.
package proposer

import (
	"sync"

	"container/heap"

	"github.com/luxfi/ids"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/view"
	"github.com/luxfi/pbft/utils"
)

type seqHeap []seqno.SeqNo

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(seqno.SeqNo)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Gate is the shared handle between the engine (writer) and the proposer
// goroutines (readers). It is safe for concurrent use.
type Gate struct {
	canPropose utils.AtomicBool

	mu                 sync.Mutex
	cond               *sync.Cond
	seqQueue           seqHeap
	currentView        view.Info
	hasPendingSyncReqs bool
	lastSyncRequests   map[ids.NodeID]map[seqno.SeqNo]seqno.SeqNo

	pending prometheus.Gauge
}

// RegisterMetrics attaches a proposer_gate_pending gauge tracking the
// number of sequence numbers currently released and awaiting a proposal.
// Re-registering the same collector name is tolerated (AlreadyRegisteredError
// is swallowed and the existing collector reused).
func (g *Gate) RegisterMetrics(reg prometheus.Registerer) error {
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proposer_gate_pending",
		Help: "Number of sequence numbers released to the proposer and not yet consumed.",
	})
	if err := reg.Register(pending); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		pending = are.ExistingCollector.(prometheus.Gauge)
	}
	g.mu.Lock()
	g.pending = pending
	g.pending.Set(float64(len(g.seqQueue)))
	g.mu.Unlock()
	return nil
}

func (g *Gate) setPendingLocked() {
	if g.pending == nil {
		return
	}
	g.pending.Set(float64(len(g.seqQueue)))
}

// New returns a Gate anchored at the given initial view, with proposing
// disabled until the first UnlockConsensus.
func New(initialView view.Info) *Gate {
	g := &Gate{
		currentView:      initialView,
		lastSyncRequests: make(map[ids.NodeID]map[seqno.SeqNo]seqno.SeqNo),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// CanPropose is a non-blocking read of the gate's open/closed state.
func (g *Gate) CanPropose() bool {
	return g.canPropose.Get()
}

// BlockUntilReady parks the calling goroutine until UnlockConsensus opens
// the gate, or done is closed (a shutdown signal).
func (g *Gate) BlockUntilReady(done <-chan struct{}) {
	if g.CanPropose() {
		return
	}
	unblocked := make(chan struct{})
	go func() {
		g.mu.Lock()
		for !g.canPropose.Get() {
			g.cond.Wait()
		}
		g.mu.Unlock()
		close(unblocked)
	}()
	select {
	case <-unblocked:
	case <-done:
	}
}

// LockConsensus closes the gate: no further proposals are released until
// the next UnlockConsensus.
func (g *Gate) LockConsensus() {
	g.canPropose.Set(false)
}

// UnlockConsensus opens the gate and wakes every parked proposer.
func (g *Gate) UnlockConsensus() {
	g.canPropose.Set(true)
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

// NextSeqNo pops the smallest available sequence number, bound to the
// current view, or false if nothing is pending.
func (g *Gate) NextSeqNo() (seqno.SeqNo, view.Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.seqQueue) == 0 {
		return 0, view.Info{}, false
	}
	seq := heap.Pop(&g.seqQueue).(seqno.SeqNo)
	g.setPendingLocked()
	return seq, g.currentView, true
}

// MakeSeqAvailable pushes seq onto the heap. Unlike Signals, this heap does
// not dedup: callers (Decision.Poll's TryPropose latch) must not push the
// same seq twice.
func (g *Gate) MakeSeqAvailable(seq seqno.SeqNo) {
	g.mu.Lock()
	heap.Push(&g.seqQueue, seq)
	g.setPendingLocked()
	g.mu.Unlock()
}

// InstallSeqNo drops all heap entries strictly less than seq (monotone
// pruning after a finalize or sequence-number install).
func (g *Gate) InstallSeqNo(seq seqno.SeqNo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.seqQueue[:0]
	for _, s := range g.seqQueue {
		if s >= seq {
			kept = append(kept, s)
		}
	}
	g.seqQueue = kept
	heap.Init(&g.seqQueue)
	g.setPendingLocked()
}

// InstallView replaces the current view and clears the heap: a view change
// invalidates every previously released proposal slot.
func (g *Gate) InstallView(v view.Info) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentView = v
	g.seqQueue = nil
	g.setPendingLocked()
}

// CurrentView returns the view currently bound to released proposal slots.
func (g *Gate) CurrentView() view.Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentView
}

// InstallSyncMessageRequests folds rqs (client -> session -> seq already
// covered by a synced-in proposal) into the pending-sync map so the
// proposer will not re-propose requests the sync protocol already ordered.
func (g *Gate) InstallSyncMessageRequests(rqs map[ids.NodeID]map[seqno.SeqNo]seqno.SeqNo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for client, sessions := range rqs {
		dst, ok := g.lastSyncRequests[client]
		if !ok {
			dst = make(map[seqno.SeqNo]seqno.SeqNo)
			g.lastSyncRequests[client] = dst
		}
		for session, maxSeq := range sessions {
			if cur, ok := dst[session]; !ok || maxSeq > cur {
				dst[session] = maxSeq
			}
		}
	}
	g.hasPendingSyncReqs = true
}

// HasPendingSyncRequests reports whether InstallSyncMessageRequests has run
// since the last SyncMessagesClear.
func (g *Gate) HasPendingSyncRequests() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasPendingSyncReqs
}

// AlreadyOrderedBySync reports whether a (client, session, opID) triple was
// already ordered by a synced-in proposal and should not be re-proposed.
func (g *Gate) AlreadyOrderedBySync(client ids.NodeID, session, opID seqno.SeqNo) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	sessions, ok := g.lastSyncRequests[client]
	if !ok {
		return false
	}
	maxSeq, ok := sessions[session]
	if !ok {
		return false
	}
	side, k := opID.Index(maxSeq)
	return side == seqno.Left || k == 0
}

// SyncMessagesClear drops the pending-sync map and its flag.
func (g *Gate) SyncMessagesClear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSyncRequests = make(map[ids.NodeID]map[seqno.SeqNo]seqno.SeqNo)
	g.hasPendingSyncReqs = false
}

// Clear empties the seq heap, keeping the current view.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seqQueue = nil
	g.setPendingLocked()
}

// Len reports how many sequence numbers are currently available to propose.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seqQueue)
}

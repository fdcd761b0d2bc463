package main

import (
	"time"

	"github.com/cbarrett/raftcore/pkg/fsm"
	"github.com/cbarrett/raftcore/pkg/raft"
	grpctransport "github.com/cbarrett/raftcore/pkg/transport/grpc"
)

// applyOutcome is what a submitted command resolves to once its entry
// commits and is applied to the state machine.
type applyOutcome struct {
	value interface{}
	err   error
}

type submitRequest struct {
	cmd      []byte
	resultCh chan applyOutcome
}

// pump is the single goroutine allowed to call engine's methods,
// matching pkg/transport/local's test harness shape: a ticker drives
// Tick, the transport's inbox drives RPC and I/O-completion events, and
// a third channel accepts client submissions from the HTTP layer. All
// three are handled from one select loop so the engine is never called
// concurrently or reentrantly.
type pump struct {
	engine  *raft.Raft
	machine *fsm.Store

	inbox    chan grpctransport.Event
	submitCh chan submitRequest
	stopCh   chan struct{}

	lastApplied raft.Index
	pending     map[raft.Index]chan applyOutcome
	leaderHint  raft.ServerID
}

// newPump builds a pump reading from inbox, which the caller must also
// hand to grpctransport.NewTransport and the wal.Store completion
// callback so every delivery converges on this one goroutine.
func newPump(engine *raft.Raft, machine *fsm.Store, inbox chan grpctransport.Event) *pump {
	return &pump{
		engine:   engine,
		machine:  machine,
		inbox:    inbox,
		submitCh: make(chan submitRequest, 64),
		stopCh:   make(chan struct{}),
		pending:  make(map[raft.Index]chan applyOutcome),
	}
}

func (p *pump) stop() { close(p.stopCh) }

func (p *pump) run() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.failAllPending()
			return
		case <-ticker.C:
			p.engine.Tick(5)
			p.applyCommitted()
		case ev := <-p.inbox:
			p.dispatch(ev)
			p.applyCommitted()
		case req := <-p.submitCh:
			p.handleSubmit(req)
		}
	}
}

func (p *pump) dispatch(ev grpctransport.Event) {
	switch ev.Kind {
	case grpctransport.EventRequestVote:
		p.engine.HandleRequestVote(ev.From, ev.RequestVote)
	case grpctransport.EventRequestVoteResponse:
		p.engine.HandleRequestVoteResponse(ev.From, ev.RequestVoteResult)
	case grpctransport.EventAppendEntries:
		p.leaderHint = ev.From
		p.engine.HandleAppendEntries(ev.From, ev.AppendEntries)
	case grpctransport.EventAppendEntriesResponse:
		p.engine.HandleAppendEntriesResponse(ev.From, ev.AppendEntriesResult)
	case grpctransport.EventIOComplete:
		p.engine.HandleIO(ev.IORequestID, ev.IOErr)
	}
}

func (p *pump) handleSubmit(req submitRequest) {
	index, err := p.engine.Submit([][]byte{req.cmd})
	if err != nil {
		req.resultCh <- applyOutcome{err: err}
		return
	}
	p.pending[index] = req.resultCh
}

// applyCommitted drives the fsm forward to CommitIndex and resolves any
// pending HTTP request whose entry has just been applied. This is the
// external collaborator the core's commit_index advance never calls
// itself.
func (p *pump) applyCommitted() {
	commit := p.engine.CommitIndex()
	for idx := p.lastApplied + 1; idx <= commit; idx++ {
		entry := p.engine.Entry(idx)
		if entry == nil {
			break
		}
		var out applyOutcome
		if entry.Type == raft.EntryCommand {
			out.value, out.err = p.machine.Apply(entry.Buf)
		}
		if ch, ok := p.pending[idx]; ok {
			ch <- out
			delete(p.pending, idx)
		}
		p.lastApplied = idx
	}
}

func (p *pump) failAllPending() {
	for idx, ch := range p.pending {
		ch <- applyOutcome{err: raft.ErrNotLeader}
		delete(p.pending, idx)
	}
}

// submit hands cmd to the pump goroutine and blocks until its entry
// commits and applies, or ctxDone fires first.
func (p *pump) submit(cmd []byte, ctxDone <-chan struct{}) (interface{}, error) {
	resultCh := make(chan applyOutcome, 1)
	select {
	case p.submitCh <- submitRequest{cmd: cmd, resultCh: resultCh}:
	case <-ctxDone:
		return nil, raft.ErrNotLeader
	}
	select {
	case out := <-resultCh:
		return out.value, out.err
	case <-ctxDone:
		return nil, raft.ErrNotLeader
	}
}

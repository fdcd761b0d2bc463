// Package grpc is the production network transport: it carries the four
// Raft RPC messages between processes over google.golang.org/grpc instead
// of in-process channels. Unlike a typical gRPC service, every method here
// is a one-way push rather than a synchronous call-and-reply — the engine
// reports a vote or an append result by sending a *separate* RPC back to
// the originator, the same way pkg/transport/local delivers a response
// event into the originator's own inbox. That keeps the wire protocol
// honest to what raft.Raft actually does: it never blocks waiting for a
// reply, it reacts later to one arriving as its own event.
//
// The RPC bodies are the exact little-endian bytes pkg/raft's codec
// produces, carried inside a single protobuf bytes field
// (wrapperspb.BytesValue) rather than re-expressed as native protobuf
// messages, so the wire format stays bit-compatible with any other
// transport speaking the same protocol.
package grpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cbarrett/raftcore/pkg/raft"
)

const (
	serviceName = "raftcore.Raft"

	methodRequestVote           = "/" + serviceName + "/RequestVote"
	methodRequestVoteResponse   = "/" + serviceName + "/RequestVoteResponse"
	methodAppendEntries         = "/" + serviceName + "/AppendEntries"
	methodAppendEntriesResponse = "/" + serviceName + "/AppendEntriesResponse"
	defaultDialTimeout          = 2 * time.Second
	defaultCallTimeout          = 2 * time.Second
	envelopeHeaderLen           = 8
)

// EventKind tags what an inbound push RPC decodes to once it reaches the
// local inbox.
type EventKind int

const (
	EventRequestVote EventKind = iota
	EventRequestVoteResponse
	EventAppendEntries
	EventAppendEntriesResponse
	EventIOComplete
)

// Event is what Transport delivers into the inbox channel supplied at
// construction. The owning node's event-pump goroutine is expected to
// switch on Kind and call the matching raft.Raft method, exactly as
// pkg/transport/local's node.pump does. EventIOComplete carries no RPC
// payload: it is how Backend.SendAppendEntries reports completion of its
// requestID back to raft.Raft.HandleIO without re-entering the engine
// from inside the Send call itself.
type Event struct {
	Kind EventKind
	From raft.ServerID

	RequestVote         raft.RequestVoteArgs
	RequestVoteResult   raft.RequestVoteResult
	AppendEntries       raft.AppendEntriesArgs
	AppendEntriesResult raft.AppendEntriesResult

	IORequestID uint64
	IOErr       error
}

// Transport is the gRPC half of a raft.IOBackend: the network-facing
// Send* methods. It holds no term/vote/log state of its own — pair it
// with a LocalStore (see Backend) for the durable half.
type Transport struct {
	mu        sync.RWMutex
	self      raft.ServerID
	addr      string
	peerAddrs map[raft.ServerID]string
	conns     map[raft.ServerID]*grpc.ClientConn

	server   *grpc.Server
	listener net.Listener
	inbox    chan<- Event

	dialTimeout time.Duration
	callTimeout time.Duration
	logger      *log.Logger
}

// NewTransport returns a Transport for self, listening eventually on addr,
// able to reach every other id in peerAddrs. Delivered RPCs are posted to
// inbox; inbox should be read by exactly one goroutine, the owning node's
// event pump.
func NewTransport(self raft.ServerID, addr string, peerAddrs map[raft.ServerID]string, inbox chan<- Event, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		self:        self,
		addr:        addr,
		peerAddrs:   peerAddrs,
		conns:       make(map[raft.ServerID]*grpc.ClientConn),
		inbox:       inbox,
		dialTimeout: defaultDialTimeout,
		callTimeout: defaultCallTimeout,
		logger:      logger,
	}
}

// Start opens the listening socket and begins serving. It registers the
// hand-written service descriptor in service.go: there is no .proto file
// behind this service, so there is no generated registration helper to
// call.
func (t *Transport) Start() error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("grpc transport: listen on %s: %w", t.addr, err)
	}
	t.listener = listener
	t.server = grpc.NewServer()
	t.server.RegisterService(&raftServiceDesc, t)
	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Printf("grpc transport: serve exited: %v", err)
		}
	}()
	return nil
}

// Stop closes every outbound connection and stops the server.
func (t *Transport) Stop() {
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[raft.ServerID]*grpc.ClientConn)
	t.mu.Unlock()

	if t.server != nil {
		t.server.GracefulStop()
	}
}

func (t *Transport) getConn(target raft.ServerID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("grpc transport: unknown peer %d", target)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc transport: dial %s: %w", addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

// push performs one fire-and-forget unary call carrying payload, tagged
// with a correlation id purely for logging: there is no reply to match it
// against, and a failed push is never retried here (no built-in
// retransmission is the caller's job, same as pkg/transport/local).
func (t *Transport) push(target raft.ServerID, method string, payload []byte) {
	conn, err := t.getConn(target)
	if err != nil {
		t.logger.Printf("grpc transport: %s to %d: %v", method, target, err)
		return
	}
	id := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), t.callTimeout)
	defer cancel()
	env := encodeEnvelope(t.self, payload)
	var reply emptypb.Empty
	if err := conn.Invoke(ctx, method, &wrapperspb.BytesValue{Value: env}, &reply); err != nil {
		t.logger.Printf("grpc transport: [%s] %s to %d failed: %v", id, method, target, err)
	}
}

// SendRequestVote implements the network half of raft.IOBackend.
func (t *Transport) SendRequestVote(target raft.ServerID, args raft.RequestVoteArgs) {
	go t.push(target, methodRequestVote, raft.EncodeRequestVoteArgs(args))
}

// SendRequestVoteResponse implements the network half of raft.IOBackend.
func (t *Transport) SendRequestVoteResponse(target raft.ServerID, result raft.RequestVoteResult) {
	go t.push(target, methodRequestVoteResponse, raft.EncodeRequestVoteResult(result))
}

// SendAppendEntries implements the network half of raft.IOBackend. The
// entries args pins are already encoded into the push's own byte buffer
// by the time this returns, so completion is reported immediately rather
// than after the network round trip — the engine only needs to know the
// pinned entries are safe to release, not that the peer received them.
func (t *Transport) SendAppendEntries(requestID uint64, target raft.ServerID, args raft.AppendEntriesArgs) {
	go t.push(target, methodAppendEntries, raft.EncodeAppendEntriesArgs(args))
	t.deliver(Event{Kind: EventIOComplete, IORequestID: requestID})
}

// SendAppendEntriesResponse implements the network half of raft.IOBackend.
func (t *Transport) SendAppendEntriesResponse(target raft.ServerID, result raft.AppendEntriesResult) {
	go t.push(target, methodAppendEntriesResponse, raft.EncodeAppendEntriesResult(result))
}

func (t *Transport) deliver(ev Event) {
	select {
	case t.inbox <- ev:
	default:
		t.logger.Printf("grpc transport: inbox full, dropping %v from %d", ev.Kind, ev.From)
	}
}

// encodeEnvelope prefixes payload with the sender's id so the receiving
// handler knows who to attribute the RPC to without needing its own
// connection-identity lookup.
func encodeEnvelope(from raft.ServerID, payload []byte) []byte {
	out := make([]byte, envelopeHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], uint64(from))
	copy(out[envelopeHeaderLen:], payload)
	return out
}

func decodeEnvelope(buf []byte) (raft.ServerID, []byte, error) {
	if len(buf) < envelopeHeaderLen {
		return 0, nil, raft.ErrMalformed
	}
	from := raft.ServerID(binary.LittleEndian.Uint64(buf[0:8]))
	return from, buf[envelopeHeaderLen:], nil
}

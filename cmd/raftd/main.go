// Command raftd runs a single replicated-consensus node: it wires
// pkg/wal's durable store and pkg/transport/grpc's network half into one
// pkg/raft engine behind a single event-pump goroutine, applies committed
// COMMAND entries to a pkg/fsm key/value store, and exposes that store
// over a small HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cbarrett/raftcore/internal/logging"
	"github.com/cbarrett/raftcore/pkg/fsm"
	"github.com/cbarrett/raftcore/pkg/raft"
	grpctransport "github.com/cbarrett/raftcore/pkg/transport/grpc"
	"github.com/cbarrett/raftcore/pkg/wal"
)

func main() {
	id := flag.Uint64("id", 0, "this server's ServerID (must be > 0)")
	addr := flag.String("addr", "", "gRPC listen address (e.g., 127.0.0.1:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., 127.0.0.1:8000)")
	peers := flag.String("peers", "", "Comma-separated cluster membership: id1=addr1,id2=addr2,... (must include this node's own id=addr)")
	walDir := flag.String("wal", "", "WAL directory path")
	electionMinMs := flag.Int("election-min-ms", 150, "minimum election timeout in ms")
	electionMaxMs := flag.Int("election-max-ms", 300, "maximum election timeout in ms")
	heartbeatMs := flag.Int("heartbeat-ms", 50, "leader heartbeat interval in ms")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	if *id == 0 || *addr == "" || *httpAddr == "" || *peers == "" {
		flag.Usage()
		os.Exit(1)
	}
	self := raft.ServerID(*id)
	logger := logging.New(fmt.Sprintf("raftd[%d] ", self), logging.ParseLevel(*logLevel))

	configuration, peerAddrs, err := parsePeers(*peers)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if _, ok := peerAddrs[self]; !ok {
		logger.Fatalf("-peers must include this node's own id=%d", self)
	}

	walPath := *walDir
	if walPath == "" {
		walPath = fmt.Sprintf("/tmp/raftd-wal-%d", self)
	}

	logger.Infof("starting node %d, grpc=%s, http=%s, wal=%s", self, *addr, *httpAddr, walPath)

	inbox := make(chan grpctransport.Event, 256)

	store, err := wal.New(walPath, func(requestID uint64, err error) {
		inbox <- grpctransport.Event{Kind: grpctransport.EventIOComplete, IORequestID: requestID, IOErr: err}
	})
	if err != nil {
		logger.Fatalf("open wal: %v", err)
	}

	transport := grpctransport.NewTransport(self, *addr, peerAddrs, inbox, logger.Std())
	if err := transport.Start(); err != nil {
		logger.Fatalf("start transport: %v", err)
	}

	backend := grpctransport.NewBackend(store, transport)

	engine := raft.New(raft.Config{
		ID:                   self,
		IO:                   backend,
		Seed:                 int64(self),
		ElectionTimeoutMinMs: *electionMinMs,
		ElectionTimeoutMaxMs: *electionMaxMs,
		HeartbeatIntervalMs:  *heartbeatMs,
	})

	prevTerm, _, prevFirst, prevEntries := store.LoadState()
	if len(prevEntries) > 0 || prevTerm > 0 || prevFirst > 0 {
		logger.Warnf("wal at %s holds prior state (term=%d, firstIndex=%d, %d entries) but replaying it into a restarted engine is not wired; starting fresh", walPath, prevTerm, prevFirst, len(prevEntries))
	}
	if err := engine.Bootstrap(configuration); err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}

	machine := fsm.New()
	p := newPump(engine, machine, inbox)
	go p.run()

	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: newHTTPHandler(p, machine, self),
	}
	go func() {
		logger.Infof("http api listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(ctx)
	p.stop()
	transport.Stop()
	store.Close()
	logger.Infof("shutdown complete")
}

// parsePeers turns "1=host:port,2=host:port" into a Configuration
// listing every member as a voting server plus the id->address map the
// gRPC transport dials.
func parsePeers(peers string) (raft.Configuration, map[raft.ServerID]string, error) {
	addrs := make(map[raft.ServerID]string)
	var servers []raft.Server
	for _, entry := range strings.Split(peers, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return raft.Configuration{}, nil, fmt.Errorf("invalid -peers entry %q, want id=addr", entry)
		}
		idNum, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return raft.Configuration{}, nil, fmt.Errorf("invalid peer id %q: %w", parts[0], err)
		}
		id := raft.ServerID(idNum)
		addrs[id] = parts[1]
		servers = append(servers, raft.Server{ID: id, Address: parts[1], Voting: true})
	}
	return raft.Configuration{Servers: servers}, addrs, nil
}

// newClientID mints a fresh per-request client identity for fsm
// request dedup; raftd does not track HTTP client identity across
// requests, so every accepted command is its own one-shot client.
func newClientID() string {
	return uuid.New().String()
}

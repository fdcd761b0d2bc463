package raft

import "errors"

// Error kinds per spec §7. ErrNoMem is declared for API completeness but is
// never returned: Go's runtime panics on allocation failure rather than
// surfacing it as an error, so no path in this package can honor it.
var (
	ErrNoMem                     = errors.New("raft: out of memory")
	ErrInternal                  = errors.New("raft: internal error")
	ErrBadServerID                = errors.New("raft: server id is not valid")
	ErrDupServerID               = errors.New("raft: a server with the same id already exists")
	ErrNoServerAddress           = errors.New("raft: server has no address")
	ErrEmptyConfiguration        = errors.New("raft: configuration has no servers")
	ErrConfigurationNotEmpty     = errors.New("raft: configuration already has servers")
	ErrMalformed                 = errors.New("raft: encoded data is malformed")
	ErrNoSpace                   = errors.New("raft: no space left on device")
	ErrBusy                      = errors.New("raft: a client submit is already in progress")
	ErrIOBusy                    = errors.New("raft: a log write request is already in progress")
	ErrNotLeader                 = errors.New("raft: not the leader")
	ErrShutdown                  = errors.New("raft: engine has shut down after a fatal I/O error")
	ErrConfigChangeUnimplemented = errors.New("raft: configuration changes after bootstrap are not implemented")
	ErrUnknownIoRequest          = errors.New("raft: unknown or already-completed io request id")
	ErrUnknownServer             = errors.New("raft: rpc from a server not in the current configuration")
)

// Package transport carries raft requests between nodes over gRPC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/wire"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// DefaultAttemptTimeout is the maximum time to wait for a single attempt. Section 5.6 states that broadcast time
	// should be an order of magnitude less than the election timeout (150-300ms).
	DefaultAttemptTimeout = 50 * time.Millisecond

	// DefaultAttempts bounds the attempts of a request whose peer is unreachable. Raft retries at the protocol level
	// anyway: elections restart with a new term and followers are sent their records again.
	DefaultAttempts = 3

	// DefaultBackoffBase is the base duration of the linear backoff between attempts
	DefaultBackoffBase = 10 * time.Millisecond

	// DefaultMaxBackoff caps the backoff between attempts
	DefaultMaxBackoff = 100 * time.Millisecond
)

// ErrUnknownPeer is returned for requests to a node without an address
var ErrUnknownPeer = errors.New("transport: unknown peer")

type Config struct {
	Self           raft.NodeID
	AttemptTimeout time.Duration
	Attempts       int
	BackoffBase    time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) withDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Transport sends raft requests to other nodes. It implements consensus.Transport and heartbeat.Sender.
type Transport struct {
	cfg    Config
	logger raft.Logger
	book   *addressBook
	// A map to store the underlying grpc.ClientConn for each peer. It is a map[raft.NodeID]*grpc.ClientConn.
	// sync.Map is optimized for the read mostly access of the request path.
	clientsConnPool sync.Map
}

func NewTransport(cfg Config, logger raft.Logger) *Transport {
	cfg.withDefaults()
	if logger == nil {
		logger = raft.NopLogger()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		book:   newAddressBook(),
	}
}

// AddPeer sets the address of a peer, opening a channel to it on first use. Updating the address of a known peer
// reconnects its channel to the new address.
func (t *Transport) AddPeer(id raft.NodeID, addr string) error {
	t.book.set(id, addr)
	if _, ok := t.clientsConnPool.Load(id); ok {
		return nil
	}

	target := fmt.Sprintf("%s:///%s", scheme, id) // "raft:///<node id>"
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(raftBuilder{book: t.book}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC channel to peer %s: %w", id, err)
	}

	if _, loaded := t.clientsConnPool.LoadOrStore(id, conn); loaded {
		_ = conn.Close()
		return nil
	}
	t.logger.Infof("[TRANSPORT] Added peer %s at %s", id, addr)
	return nil
}

// RemovePeer closes the channel to a peer
func (t *Transport) RemovePeer(id raft.NodeID) {
	t.book.remove(id)
	if value, ok := t.clientsConnPool.LoadAndDelete(id); ok {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			t.logger.Warnf("[TRANSPORT] Failed to close connection to removed peer %s: %v", id, err)
		}
	}
}

// Close closes every channel opened by the transport
func (t *Transport) Close() {
	t.clientsConnPool.Range(func(key, value any) bool {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			t.logger.Warnf("[TRANSPORT] Failed to close connection to %s: %v", key, err)
		}
		t.clientsConnPool.Delete(key)
		return true
	})
}

func (t *Transport) getClientConn(id raft.NodeID) (*grpc.ClientConn, error) {
	value, ok := t.clientsConnPool.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return value.(*grpc.ClientConn), nil
}

func (t *Transport) AppendEntries(ctx context.Context, target raft.NodeID,
	req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	// The records are materialized once, every attempt sends the same message
	records, err := req.Batches.Consume(ctx)
	if err != nil {
		return nil, err
	}
	msg := &wire.AppendEntries{
		Source:  req.Source,
		Target:  req.Target,
		Meta:    req.Meta,
		Records: records,
		Flush:   bool(req.Flush),
	}

	reply := new(wire.AppendEntriesReply)
	if err := t.invoke(ctx, target, appendEntriesMethod, msg, reply); err != nil {
		return nil, err
	}
	return (*raft.AppendEntriesReply)(reply), nil
}

func (t *Transport) Heartbeat(ctx context.Context, target raft.NodeID,
	req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error) {
	reply := new(wire.HeartbeatReply)
	if err := t.invoke(ctx, target, heartbeatMethod, (*wire.HeartbeatRequest)(req), reply); err != nil {
		return nil, err
	}
	return (*raft.HeartbeatReply)(reply), nil
}

func (t *Transport) Vote(ctx context.Context, target raft.NodeID, req *raft.VoteRequest) (*raft.VoteReply, error) {
	reply := new(wire.VoteReply)
	if err := t.invoke(ctx, target, voteMethod, (*wire.VoteRequest)(req), reply); err != nil {
		return nil, err
	}
	return (*raft.VoteReply)(reply), nil
}

// invoke sends req to target, retrying with a linear backoff while the peer is unavailable
func (t *Transport) invoke(ctx context.Context, target raft.NodeID, method string, req, reply wire.Message) error {
	conn, err := t.getClientConn(target)
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, sourceNodeHeader, string(t.cfg.Self))

	var lastErr error
	for attempt := 0; attempt < t.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
		lastErr = conn.Invoke(attemptCtx, method, req, reply)
		cancel()

		if lastErr == nil {
			return nil
		}
		// Check if parent context is cancelled (leader stepping down, node shutting down, etc.)
		if ctx.Err() != nil {
			return fmt.Errorf("%s to %s cancelled: %w", method, target, ctx.Err())
		}
		if !retryable(lastErr) {
			return fromStatus(lastErr)
		}

		if attempt < t.cfg.Attempts-1 {
			backoff := min(t.cfg.BackoffBase*time.Duration(attempt+1), t.cfg.MaxBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s to %s cancelled: %w", method, target, ctx.Err())
			}
		}
	}

	t.logger.Debugf("[TRANSPORT] %s to %s failed after %d attempts: %v", method, target, t.cfg.Attempts, lastErr)
	return fmt.Errorf("%s to %s failed after %d attempts: %w", method, target, t.cfg.Attempts, fromStatus(lastErr))
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// fromStatus turns the status of a failed request back into the Handler's error where one exists
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", raft.ErrGroupNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", raft.ErrStopped, st.Message())
	default:
		return err
	}
}

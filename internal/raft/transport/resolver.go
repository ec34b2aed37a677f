package transport

import (
	"fmt"
	"sync"

	"multiraft/internal/raft"

	"google.golang.org/grpc/resolver"
)

// scheme of the targets dialed by a Transport, "raft:///<node id>"
const scheme = "raft"

// addressBook maps node ids to their addresses and pushes updates to the resolvers watching them
type addressBook struct {
	mu       sync.RWMutex
	records  map[raft.NodeID]string
	watchers map[raft.NodeID]map[*raftResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		records:  make(map[raft.NodeID]string),
		watchers: make(map[raft.NodeID]map[*raftResolver]struct{}),
	}
}

// set updates the address of id and notifies its resolvers
func (b *addressBook) set(id raft.NodeID, addr string) {
	b.mu.Lock()
	b.records[id] = addr
	watchers := make([]*raftResolver, 0, len(b.watchers[id]))
	for w := range b.watchers[id] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking, UpdateState may call back into ResolveNow
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (b *addressBook) remove(id raft.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
}

func (b *addressBook) get(id raft.NodeID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.records[id]
	return addr, ok
}

// raftBuilder resolves "raft:///<node id>" targets from an addressBook
type raftBuilder struct {
	book *addressBook
}

func (raftBuilder) Scheme() string { return scheme }

func (b raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "raft:///id" or "raft://authority/id"
	id := raft.NodeID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = raft.NodeID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc, book: b.book}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id   raft.NodeID
	cc   resolver.ClientConn
	book *addressBook
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	if set, ok := r.book.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.book.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	set := r.book.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		r.book.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	addr, ok := r.book.get(r.id)
	if !ok || addr == "" {
		// No address yet, gRPC keeps the channel idle until one is pushed
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}

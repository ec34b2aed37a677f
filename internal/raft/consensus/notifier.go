package consensus

import (
	"multiraft/internal/pubsub"
	"multiraft/internal/raft"
)

const (
	// LeadershipChanged is published on every leader or term change of a group. The payload is a
	// raft.LeadershipStatus.
	LeadershipChanged pubsub.EventType = iota
)

// LeadershipNotifier publishes the LeadershipStatus of every group of a node on a pubsub bus.
//
// Delivery is at least once: a group may publish the same (term, leader) pair more than once, for instance when it
// restarts, and subscribers must be idempotent.
type LeadershipNotifier struct {
	bus *pubsub.PubSubClient
}

func NewLeadershipNotifier(bus *pubsub.PubSubClient) *LeadershipNotifier {
	return &LeadershipNotifier{bus: bus}
}

// Notify is called by a group from its own goroutine on every transition
func (n *LeadershipNotifier) Notify(status raft.LeadershipStatus) {
	pubsub.Publish(n.bus, pubsub.NewEvent(LeadershipChanged, status))
}

// Subscribe registers ch for every leadership change. The subscription is blocking so no status is ever dropped;
// the subscriber must keep reading ch until it unsubscribes.
func (n *LeadershipNotifier) Subscribe(ch chan *pubsub.Event[raft.LeadershipStatus]) pubsub.SubscriberID {
	return pubsub.Subscribe(n.bus, LeadershipChanged, ch, pubsub.SubscriptionOptions{IsBlocking: true})
}

// Unsubscribe removes a subscription and closes its channel
func (n *LeadershipNotifier) Unsubscribe(id pubsub.SubscriberID) {
	n.bus.Unsubscribe(LeadershipChanged, id)
}

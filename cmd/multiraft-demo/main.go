package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"multiraft/internal/config"
	"multiraft/internal/node"
	"multiraft/internal/pubsub"
	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/metrics"
)

var nodeIDs = []string{"node-1", "node-2", "node-3"}

func main() {
	groups := flag.Int("groups", 64, "Number of raft groups shared by the three nodes")
	writes := flag.Int("writes", 50, "Number of SET commands written to every group")
	dataDir := flag.String("data", "./data", "Directory of the node databases, cleaned on start")
	outputFile := flag.String("output", "", "Output JSON file for metrics (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *groups < 1 || *writes < 1 {
		log.Fatal("Groups and writes must be positive")
	}

	fmt.Println("========================================")
	fmt.Println("MULTI-RAFT DEMO")
	fmt.Println("========================================")
	fmt.Printf("Nodes: %d\n", len(nodeIDs))
	fmt.Printf("Groups: %d\n", *groups)
	fmt.Printf("Writes per group: %d\n", *writes)
	fmt.Println("========================================")

	if err := os.RemoveAll(*dataDir); err != nil {
		log.Fatalf("Failed to clean data directory: %v", err)
	}

	sharedMetrics := metrics.NewMetrics()
	nodes, err := createCluster(*dataDir, *groups, *debug, sharedMetrics)
	if err != nil {
		log.Fatalf("Failed to create cluster: %v", err)
	}
	defer stopCluster(nodes)

	// Count the leadership changes seen by the first node
	var leaderChanges atomic.Int64
	events := make(chan *pubsub.Event[raft.LeadershipStatus], 1024)
	sub := nodes[0].SubscribeLeadership(events)
	go func() {
		for e := range events {
			if e.Payload.CurrentLeader != "" {
				leaderChanges.Add(1)
			}
		}
	}()

	for _, n := range nodes {
		if err := n.Start(); err != nil {
			log.Fatalf("Failed to start %s: %v", n.ID(), err)
		}
	}
	fmt.Println("Cluster started, waiting for leaders...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := waitForLeaders(ctx, nodes, *groups); err != nil {
		log.Fatalf("Groups without a leader: %v", err)
	}
	fmt.Println("Every group has a leader")

	sharedMetrics.Reset()
	failed := runWrites(ctx, nodes, *groups, *writes)
	fmt.Printf("Writes done, %d failed\n", failed)

	if err := verify(ctx, nodes, *groups, *writes); err != nil {
		log.Printf("Verification failed: %v", err)
	} else {
		fmt.Println("Every node applied every write")
	}

	nodes[0].UnsubscribeLeadership(sub)
	hits, misses := nodes[0].CacheStats()
	fmt.Printf("Leadership changes seen by %s: %d\n", nodes[0].ID(), leaderChanges.Load())
	fmt.Printf("Record cache of %s: %d hits, %d misses\n", nodes[0].ID(), hits, misses)

	report := sharedMetrics.GetReport(len(nodes), *groups)
	report.PrintReport()
	if *outputFile != "" {
		if err := report.SaveJSON(*outputFile); err != nil {
			log.Printf("Failed to save report: %v", err)
		} else {
			fmt.Printf("Report saved to %s\n", *outputFile)
		}
	}
}

func createCluster(dir string, groups int, debug bool, m *metrics.Metrics) ([]*node.Node, error) {
	listeners := make(map[string]net.Listener, len(nodeIDs))
	for _, id := range nodeIDs {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners[id] = lis
	}

	var nodes []*node.Node
	for _, id := range nodeIDs {
		cfg := config.Default()
		cfg.ID = id
		cfg.Address = listeners[id].Addr().String()
		cfg.Debug = debug
		cfg.Storage.Dir = filepath.Join(dir, id)
		cfg.Storage.NoSync = true
		for _, peer := range nodeIDs {
			if peer != id {
				cfg.Peers = append(cfg.Peers, config.Peer{ID: peer, Address: listeners[peer].Addr().String()})
			}
		}
		for g := 1; g <= groups; g++ {
			cfg.Groups = append(cfg.Groups, config.Group{ID: int64(g), Nodes: nodeIDs})
		}

		n, err := node.New(cfg, node.WithListener(listeners[id]), node.WithMetrics(m))
		if err != nil {
			stopCluster(nodes)
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func stopCluster(nodes []*node.Node) {
	for _, n := range nodes {
		if err := n.Stop(); err != nil {
			log.Printf("Failed to stop %s: %v", n.ID(), err)
		}
	}
}

func leaderOf(nodes []*node.Node, group raft.GroupID) *node.Node {
	for _, n := range nodes {
		if c, ok := n.Group(group); ok && c.State() == consensus.Leader {
			return n
		}
	}
	return nil
}

func waitForLeaders(ctx context.Context, nodes []*node.Node, groups int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		missing := 0
		for g := 1; g <= groups; g++ {
			if leaderOf(nodes, raft.GroupID(g)) == nil {
				missing++
			}
		}
		if missing == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d groups: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runWrites writes to every group concurrently, retrying on the new leader when leadership moves
func runWrites(ctx context.Context, nodes []*node.Node, groups, writes int) int64 {
	var failed atomic.Int64
	var wg sync.WaitGroup
	for g := 1; g <= groups; g++ {
		wg.Add(1)
		go func(group raft.GroupID) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				if err := write(ctx, nodes, group, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d-%d", group, i)); err != nil {
					failed.Add(1)
				}
			}
		}(raft.GroupID(g))
	}
	wg.Wait()
	return failed.Load()
}

func write(ctx context.Context, nodes []*node.Node, group raft.GroupID, key, value string) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		leader := leaderOf(nodes, group)
		if leader == nil {
			err = raft.ErrNotLeader
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if err = leader.Set(ctx, group, key, value); err == nil || !errors.Is(err, raft.ErrNotLeader) {
			return err
		}
	}
	return err
}

func verify(ctx context.Context, nodes []*node.Node, groups, writes int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		missing := 0
		for _, n := range nodes {
			for g := 1; g <= groups; g++ {
				v, ok := n.Get(raft.GroupID(g), fmt.Sprintf("key-%d", writes-1))
				if !ok || v != fmt.Sprintf("value-%d-%d", g, writes-1) {
					missing++
				}
			}
		}
		if missing == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d group replicas behind: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

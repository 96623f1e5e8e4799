package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/glomer/internal/cluster"
	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/node"
	"github.com/ryandielhenn/glomer/pkg/proto"
)

func main() {
	nodes := flag.Int("nodes", 5, "cluster size")
	workload := flag.String("workload", node.WorkloadBroadcast, "broadcast | counter")
	mode := flag.String("topology", string(gossip.ModeRing), "given | mesh | ring")
	fanout := flag.Int("fanout", 2, "ring successors per node")
	loss := flag.Float64("loss", 0.2, "probability an inter-node message is lost")
	ops := flag.Int("n", 1000, "broadcasts or adds")
	rounds := flag.Int("rounds", 1000, "give up after this many resend rounds")
	seed := flag.Int64("seed", time.Now().UnixNano(), "network randomness")
	verbose := flag.Bool("v", false, "log node activity to stderr")
	flag.Parse()

	m, err := gossip.ParseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	c, err := cluster.New(cluster.Config{
		Nodes:    *nodes,
		Workload: *workload,
		Mode:     m,
		Fanout:   *fanout,
		Loss:     *loss,
		Seed:     *seed,
		Log:      log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	start := time.Now()
	var done func() bool
	switch *workload {
	case node.WorkloadCounter:
		done, err = benchCounter(c, *ops)
	default:
		done, err = benchBroadcast(c, *ops)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	took, err := c.RunUntil(done, *rounds)
	dur := time.Since(start)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d nodes, %d ops, topology=%s loss=%.2f seed=%d\n", *workload, *nodes, *ops, m, *loss, *seed)
	fmt.Printf("converged after %d rounds in %s\n", took, dur)
	fmt.Printf("messages: sent=%d lost=%d delivered=%d (%.1f per op)\n",
		c.Sent, c.Lost, c.Delivered, float64(c.Delivered)/float64(*ops))
	if *workload == node.WorkloadCounter {
		v, _ := c.StoreValue()
		fmt.Printf("final counter: %d (store mutations=%d)\n", v, c.Store().Mutations())
	}
}

func benchBroadcast(c *cluster.Cluster, ops int) (func() bool, error) {
	ids := c.IDs()
	want := make([]int, 0, ops)
	for i := 0; i < ops; i++ {
		if _, err := c.Client(ids[i%len(ids)], &proto.Broadcast{Message: i}); err != nil {
			return nil, err
		}
		want = append(want, i)
		if _, err := c.Step(); err != nil {
			return nil, err
		}
	}
	return func() bool { return c.Converged(want) }, nil
}

func benchCounter(c *cluster.Cluster, ops int) (func() bool, error) {
	ids := c.IDs()
	var total int64
	for i := 0; i < ops; i++ {
		delta := int64(i%7 + 1)
		if _, err := c.Client(ids[i%len(ids)], &proto.Add{Delta: delta}); err != nil {
			return nil, err
		}
		total += delta
		if _, err := c.Step(); err != nil {
			return nil, err
		}
	}
	return func() bool {
		for _, id := range ids {
			if last, pending, _ := c.Node(id).CounterState(); pending != 0 || last != total {
				return false
			}
		}
		return true
	}, nil
}

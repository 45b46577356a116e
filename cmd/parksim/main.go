// Command parksim runs a whole park in one process: every gate of a topology
// plus a number of visitors that repeatedly enter and leave at random gates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/ParkGate-Engine/api"
	"github.com/VanDung-dev/ParkGate-Engine/message"
	"github.com/VanDung-dev/ParkGate-Engine/node"
	"github.com/VanDung-dev/ParkGate-Engine/repository"
	"github.com/VanDung-dev/ParkGate-Engine/topology"
)

// SimConfig holds configuration for a simulation run.
type SimConfig struct {
	Map         string
	Host        string
	GatePort    int
	VisitorPort int
	Capacity    int
	Visitors    int
	Duration    time.Duration
	Initiator   string
	Seed        int64
	StatePath   string
	MetricsAddr string
	ReportFile  string
	Verbose     bool
}

// SimResult holds the outcome of a simulation run.
type SimResult struct {
	Leader        message.NodeIdentity
	ElectionTime  time.Duration
	Requests      int64
	Entered       int64
	Denied        int64
	Left          int64
	Timeouts      int64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	FinalVisitors int
	TotalDuration time.Duration
}

// counters are shared by the visitor workers.
type counters struct {
	requests     int64
	entered      int64
	denied       int64
	left         int64
	timeouts     int64
	totalLatency int64
	minLatency   int64
	maxLatency   int64
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== ParkGate Simulation ===")
	fmt.Printf("Capacity: %d\n", cfg.Capacity)
	fmt.Printf("Visitors: %d\n", cfg.Visitors)
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Println()

	result, err := run(cfg)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	printResults(result)

	if cfg.ReportFile != "" {
		saveReport(cfg, result)
	}
}

func parseFlags() SimConfig {
	cfg := SimConfig{}

	flag.StringVar(&cfg.Map, "map", topology.ParkMap().String(), "Gate topology (a:b,c;b:a;...)")
	flag.StringVar(&cfg.Host, "host", "127.0.0.1", "Host all nodes listen on")
	flag.IntVar(&cfg.GatePort, "gate-port", topology.DefaultPort, "First gate port")
	flag.IntVar(&cfg.VisitorPort, "visitor-port", 9000, "First visitor port")
	flag.IntVar(&cfg.Capacity, "capacity", 3, "Park capacity")
	flag.IntVar(&cfg.Visitors, "c", 5, "Number of concurrent visitors")
	flag.DurationVar(&cfg.Duration, "d", 10*time.Second, "Duration of the visitor phase")
	flag.StringVar(&cfg.Initiator, "initiator", "a", "Gate that starts the election")
	flag.Int64Var(&cfg.Seed, "seed", time.Now().UnixNano(), "Random seed")
	flag.StringVar(&cfg.StatePath, "state", "", "Repository file (default: temporary)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&cfg.ReportFile, "o", "", "Output report file (JSON)")
	flag.BoolVar(&cfg.Verbose, "v", false, "Log every message")

	flag.Parse()

	return cfg
}

func run(cfg SimConfig) (SimResult, error) {
	m, err := topology.Parse(cfg.Map)
	if err != nil {
		return SimResult{}, err
	}
	if _, ok := m[cfg.Initiator]; !ok {
		return SimResult{}, fmt.Errorf("%w: initiator %s", topology.ErrUnknownGate, cfg.Initiator)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	ids, err := m.Assign(cfg.Host, cfg.GatePort, rng)
	if err != nil {
		return SimResult{}, err
	}

	statePath := cfg.StatePath
	if statePath == "" {
		dir, err := os.MkdirTemp("", "parksim")
		if err != nil {
			return SimResult{}, err
		}
		defer os.RemoveAll(dir)
		statePath = filepath.Join(dir, "repository.json")
	}
	repo := repository.New(statePath)
	if err := repo.WriteState(repository.NewState(cfg.Capacity)); err != nil {
		return SimResult{}, err
	}

	base := node.DefaultConfig()
	if !cfg.Verbose {
		base.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.MetricsAddr != "" {
		base.Metrics = api.NewMetrics("park")
		srv := api.NewMetricsServer(cfg.MetricsAddr, base.Metrics.Registry)
		if err := srv.StartAsync(); err != nil {
			return SimResult{}, err
		}
		defer srv.Stop()
		log.Printf("Metrics available on http://%s/metrics", srv.Addr())
	}

	cluster, err := node.NewCluster(m, ids, repo, func(string, message.NodeIdentity) node.Config { return base })
	if err != nil {
		return SimResult{}, err
	}
	if err := cluster.Start(context.Background()); err != nil {
		return SimResult{}, err
	}
	defer cluster.Stop()

	for _, name := range cluster.Names() {
		log.Printf("Gate %s: %s", name, ids[name])
	}

	startTime := time.Now()

	leader, err := elect(cluster, cfg.Initiator)
	if err != nil {
		return SimResult{}, err
	}
	electionTime := time.Since(startTime)
	log.Printf("Leader elected in %v: %s", electionTime.Round(time.Millisecond), leader)

	c := &counters{minLatency: 1<<63 - 1}
	gates := make([]message.NodeIdentity, 0, len(ids))
	for _, name := range cluster.Names() {
		gates = append(gates, ids[name])
	}

	visitors := make([]*node.Runtime, cfg.Visitors)
	for i := range visitors {
		info := message.NewIdentity(2000+i, cfg.Host, cfg.VisitorPort+i, 0)
		visitors[i] = node.NewVisitor(info, base)
		if err := visitors[i].Start(context.Background()); err != nil {
			return SimResult{}, err
		}
		defer visitors[i].Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var g errgroup.Group
	for i, v := range visitors {
		workerRng := rand.New(rand.NewSource(cfg.Seed + int64(i) + 1))
		g.Go(func() error {
			return runVisitor(ctx, v, gates, workerRng, c)
		})
	}
	if err := g.Wait(); err != nil {
		return SimResult{}, err
	}

	state, err := repo.ReadState()
	if err != nil {
		return SimResult{}, err
	}
	if state == nil {
		return SimResult{}, errors.New("repository state disappeared")
	}
	if err := state.Validate(); err != nil {
		return SimResult{}, fmt.Errorf("final state invalid: %w", err)
	}

	for _, name := range cluster.Names() {
		_ = cluster.Submit(name, message.NewLocal(message.Terminate, message.Payload{}))
	}
	if err := cluster.Wait(); err != nil {
		return SimResult{}, err
	}

	success := atomic.LoadInt64(&c.entered) + atomic.LoadInt64(&c.denied) + atomic.LoadInt64(&c.left)
	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&c.totalLatency) / success)
	}
	minLatency := atomic.LoadInt64(&c.minLatency)
	if success == 0 {
		minLatency = 0
	}

	return SimResult{
		Leader:        leader,
		ElectionTime:  electionTime,
		Requests:      atomic.LoadInt64(&c.requests),
		Entered:       atomic.LoadInt64(&c.entered),
		Denied:        atomic.LoadInt64(&c.denied),
		Left:          atomic.LoadInt64(&c.left),
		Timeouts:      atomic.LoadInt64(&c.timeouts),
		AvgLatency:    avgLatency,
		MinLatency:    time.Duration(minLatency),
		MaxLatency:    time.Duration(atomic.LoadInt64(&c.maxLatency)),
		FinalVisitors: state.Occupancy(),
		TotalDuration: time.Since(startTime),
	}, nil
}

// elect starts an election and waits until every gate agrees on a leader.
func elect(cluster *node.Cluster, initiator string) (message.NodeIdentity, error) {
	if err := cluster.Submit(initiator, message.NewLocal(message.StartElection, message.Payload{})); err != nil {
		return message.NodeIdentity{}, err
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if leader, ok := agreedLeader(cluster); ok {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return message.NodeIdentity{}, errors.New("election did not finish in time")
}

func agreedLeader(cluster *node.Cluster) (message.NodeIdentity, bool) {
	var leader *message.NodeIdentity
	for _, name := range cluster.Names() {
		s := cluster.Gate(name).Snapshot()
		if s.State != "idle" || s.Leader == nil {
			return message.NodeIdentity{}, false
		}
		if leader != nil && *leader != *s.Leader {
			return message.NodeIdentity{}, false
		}
		leader = s.Leader
	}
	return *leader, true
}

func runVisitor(ctx context.Context, v *node.Runtime, gates []message.NodeIdentity, rng *rand.Rand, c *counters) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		inside := v.Snapshot().State == "entered"
		cmd := message.EnterPark
		if inside {
			cmd = message.LeavePark
		}
		gate := gates[rng.Intn(len(gates))]

		start := time.Now()
		processed := v.Stats().Processed
		v.Submit(message.NewLocal(cmd, message.Payload{Gate: &gate}))
		atomic.AddInt64(&c.requests, 1)

		if !awaitResponse(v, processed+2, 10*time.Second) {
			atomic.AddInt64(&c.timeouts, 1)
			return fmt.Errorf("visitor %d got no response from gate %d", v.Identity().ID, gate.ID)
		}
		c.observe(time.Since(start))

		switch state := v.Snapshot().State; {
		case cmd == message.EnterPark && state == "entered":
			atomic.AddInt64(&c.entered, 1)
		case cmd == message.EnterPark:
			atomic.AddInt64(&c.denied, 1)
		case state == "idle":
			atomic.AddInt64(&c.left, 1)
		}

		// Stay a while, or back off after a denial.
		time.Sleep(time.Duration(10+rng.Intn(90)) * time.Millisecond)
	}
}

func awaitResponse(v *node.Runtime, processed int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v.Stats().Processed >= processed {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (c *counters) observe(latency time.Duration) {
	lat := int64(latency)
	atomic.AddInt64(&c.totalLatency, lat)

	for {
		old := atomic.LoadInt64(&c.minLatency)
		if lat >= old || atomic.CompareAndSwapInt64(&c.minLatency, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&c.maxLatency)
		if lat <= old || atomic.CompareAndSwapInt64(&c.maxLatency, old, lat) {
			break
		}
	}
}

func printResults(result SimResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Leader:          %s\n", result.Leader)
	fmt.Printf("Election:        %v\n", result.ElectionTime.Round(time.Millisecond))
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Requests:        %d\n", result.Requests)
	fmt.Printf("Entered:         %d\n", result.Entered)
	fmt.Printf("Denied:          %d\n", result.Denied)
	fmt.Printf("Left:            %d\n", result.Left)
	fmt.Printf("Timeouts:        %d\n", result.Timeouts)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
	fmt.Printf("Inside at end:   %d\n", result.FinalVisitors)
}

func saveReport(cfg SimConfig, result SimResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"map":       cfg.Map,
			"capacity":  cfg.Capacity,
			"visitors":  cfg.Visitors,
			"duration":  cfg.Duration.String(),
			"initiator": cfg.Initiator,
			"seed":      cfg.Seed,
		},
		"results": map[string]interface{}{
			"leader":         result.Leader.ID,
			"election_ms":    float64(result.ElectionTime.Microseconds()) / 1000,
			"requests":       result.Requests,
			"entered":        result.Entered,
			"denied":         result.Denied,
			"left":           result.Left,
			"timeouts":       result.Timeouts,
			"avg_latency_ms": float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms": float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms": float64(result.MaxLatency.Microseconds()) / 1000,
			"final_visitors": result.FinalVisitors,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(cfg.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", cfg.ReportFile)
	}
}

// Load generator for an agentchat server: N concurrent agents join one
// channel and measure the send-to-fanout round trip of their own messages.
//
// Ephemeral identities lurk forever, so by default every worker generates a
// throwaway keypair. Run the target server with a zero lurk window, or pass
// -admin-key to open the lurk window for the duration of the test.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentchat/server/pkg/sdk"
)

type loadConfig struct {
	URL            string
	Agents         int
	Messages       int
	Channel        string
	Gap            time.Duration
	EchoTimeout    time.Duration
	ReportInterval time.Duration
	Ephemeral      bool
	AdminKey       string
	WindowMs       int64
}

type loadStats struct {
	Sent     uint64
	Echoed   uint64
	Errors   uint64
	Timeouts uint64
	Dials    uint64
	DialErrs uint64

	mu         sync.Mutex
	latencies  []time.Duration
	minLatency time.Duration
	maxLatency time.Duration

	totalDuration time.Duration
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Websocket endpoint")
	agents := flag.Int("agents", 25, "Number of concurrent agents")
	messages := flag.Int("messages", 40, "Messages per agent")
	channel := flag.String("channel", "#general", "Channel to flood (must exist)")
	gap := flag.Duration("gap", 100*time.Millisecond, "Pause between messages per agent")
	echoTimeout := flag.Duration("echo-timeout", 10*time.Second, "How long to wait for the fanout echo")
	report := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	ephemeral := flag.Bool("ephemeral", false, "Dial without keypairs (requires an open lurk window)")
	adminKey := flag.String("admin-key", "", "Open the lurk window with this admin key before the run")
	windowMs := flag.Int64("window-ms", 0, "Open-window duration in ms (0 = one hour default)")
	flag.Parse()

	cfg := loadConfig{
		URL:            *url,
		Agents:         *agents,
		Messages:       *messages,
		Channel:        *channel,
		Gap:            *gap,
		EchoTimeout:    *echoTimeout,
		ReportInterval: *report,
		Ephemeral:      *ephemeral,
		AdminKey:       *adminKey,
		WindowMs:       *windowMs,
	}

	slog.Info("🚀 Starting agentchat load test")
	slog.Info("Target", "url", cfg.URL, "channel", cfg.Channel)
	slog.Info("Shape", "agents", cfg.Agents, "messages_per_agent", cfg.Messages, "gap", cfg.Gap)

	if cfg.AdminKey != "" {
		if err := openLurkWindow(cfg); err != nil {
			slog.Error("open lurk window", "err", err)
			os.Exit(1)
		}
		slog.Info("Lurk window opened")
	}

	stats := runLoad(cfg)
	printResults(cfg, stats)
}

// openLurkWindow dials one throwaway session and lifts the lurk gate so
// ephemeral workers can post.
func openLurkWindow(cfg loadConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := sdk.Dial(ctx, sdk.Config{URL: cfg.URL, Name: "loadtest-admin"})
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.Send(struct {
		Type       string `json:"type"`
		AdminKey   string `json:"admin_key"`
		DurationMs int64  `json:"duration_ms,omitempty"`
	}{Type: "ADMIN_OPEN_WINDOW", AdminKey: cfg.AdminKey, DurationMs: cfg.WindowMs})
	if err != nil {
		return err
	}

	ev, err := client.Expect(ctx, "ADMIN_RESULT")
	if err != nil {
		return err
	}
	var res struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
	}
	if err := ev.Decode(&res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("admin refused: %s", res.Detail)
	}
	return nil
}

func runLoad(cfg loadConfig) *loadStats {
	stats := &loadStats{minLatency: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, cfg.ReportInterval)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.Agents; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, cfg, workerID, stats)
		}(i)
	}
	wg.Wait()
	stats.totalDuration = time.Since(start)
	return stats
}

// runWorker drives one agent: dial, join, then send and await the fanout
// echo of each message in turn. The echo wait doubles as backpressure, so a
// worker never has more than one message in flight.
func runWorker(ctx context.Context, cfg loadConfig, workerID int, stats *loadStats) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conf := sdk.Config{
		URL:  cfg.URL,
		Name: fmt.Sprintf("load-%03d", workerID),
	}
	if !cfg.Ephemeral {
		keys, err := sdk.GenerateKeypair()
		if err != nil {
			atomic.AddUint64(&stats.DialErrs, 1)
			return
		}
		conf.Keys = keys
	}

	client, err := sdk.Dial(dialCtx, conf)
	if err != nil {
		atomic.AddUint64(&stats.DialErrs, 1)
		slog.Warn("dial failed", "worker", workerID, "err", err)
		return
	}
	defer client.Close()
	atomic.AddUint64(&stats.Dials, 1)

	if err := client.Join(cfg.Channel); err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		return
	}
	if _, err := client.Expect(dialCtx, sdk.TypeJoined); err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		slog.Warn("join failed", "worker", workerID, "channel", cfg.Channel, "err", err)
		return
	}

	self := client.AgentID()
	for seq := 0; seq < cfg.Messages; seq++ {
		content := fmt.Sprintf("lt %d.%d %d", workerID, seq, time.Now().UnixNano())

		sent := time.Now()
		if err := client.Say(cfg.Channel, content); err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			return
		}
		atomic.AddUint64(&stats.Sent, 1)

		if awaitEcho(client, self, content, cfg.EchoTimeout, stats) {
			recordLatency(stats, time.Since(sent))
		}

		select {
		case <-time.After(cfg.Gap):
		case <-ctx.Done():
			return
		}
	}
}

// awaitEcho drains the event stream until this worker's own message comes
// back, skipping replay rings and everyone else's traffic.
func awaitEcho(client *sdk.Client, self, content string, timeout time.Duration, stats *loadStats) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				atomic.AddUint64(&stats.Errors, 1)
				return false
			}
			switch ev.Type {
			case sdk.TypeMsg:
				var m sdk.Msg
				if ev.Decode(&m) != nil {
					continue
				}
				if m.Replay || m.From != self || m.Content != content {
					continue
				}
				atomic.AddUint64(&stats.Echoed, 1)
				return true
			case sdk.TypeError:
				atomic.AddUint64(&stats.Errors, 1)
				return false
			}
		case <-deadline.C:
			atomic.AddUint64(&stats.Timeouts, 1)
			return false
		}
	}
}

func recordLatency(stats *loadStats, d time.Duration) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.latencies = append(stats.latencies, d)
	if d < stats.minLatency {
		stats.minLatency = d
	}
	if d > stats.maxLatency {
		stats.maxLatency = d
	}
}

func reportProgress(ctx context.Context, stats *loadStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"sent", atomic.LoadUint64(&stats.Sent),
				"echoed", atomic.LoadUint64(&stats.Echoed),
				"errors", atomic.LoadUint64(&stats.Errors),
				"timeouts", atomic.LoadUint64(&stats.Timeouts))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(cfg loadConfig, stats *loadStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	sent := atomic.LoadUint64(&stats.Sent)
	echoed := atomic.LoadUint64(&stats.Echoed)

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Agents connected:       %d of %d\n", atomic.LoadUint64(&stats.Dials), cfg.Agents)
	fmt.Printf("Messages sent:          %d\n", sent)
	if sent > 0 {
		fmt.Printf("Echoes received:        %d (%.2f%%)\n", echoed, float64(echoed)/float64(sent)*100)
	}
	fmt.Printf("Errors:                 %d\n", atomic.LoadUint64(&stats.Errors))
	fmt.Printf("Echo timeouts:          %d\n", atomic.LoadUint64(&stats.Timeouts))
	fmt.Println(divider)
	fmt.Printf("Total duration:         %v\n", stats.totalDuration.Round(time.Millisecond))
	if stats.totalDuration > 0 {
		fmt.Printf("Throughput:             %.2f msgs/sec\n", float64(echoed)/stats.totalDuration.Seconds())
	}

	stats.mu.Lock()
	latencies := stats.latencies
	stats.mu.Unlock()
	if len(latencies) > 0 {
		fmt.Println(divider)
		fmt.Printf("Latency (min):          %v\n", stats.minLatency)
		fmt.Printf("Latency (avg):          %v\n", average(latencies))
		fmt.Printf("Latency (p50):          %v\n", percentile(latencies, 50))
		fmt.Printf("Latency (p95):          %v\n", percentile(latencies, 95))
		fmt.Printf("Latency (p99):          %v\n", percentile(latencies, 99))
		fmt.Printf("Latency (max):          %v\n", stats.maxLatency)
	}
	fmt.Println(separator)

	if sent > 0 {
		successRate := float64(echoed) / float64(sent) * 100
		if successRate >= 95 {
			fmt.Println("✅ PASS: Echo rate meets target (>95%)")
		} else {
			fmt.Println("❌ FAIL: Echo rate below target (<95%)")
		}
	}
	if len(latencies) > 0 {
		if p95 := percentile(latencies, 95); p95 < 250*time.Millisecond {
			fmt.Println("✅ PASS: P95 latency meets target (<250ms)")
		} else {
			fmt.Println("⚠️  WARN: P95 latency above target (>250ms)")
		}
	}
	fmt.Println(separator + "\n")
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, pct int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(pct) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

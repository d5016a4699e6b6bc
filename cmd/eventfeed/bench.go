package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/config"
	"github.com/velmie/eventfeed/zaplog"
)

const (
	defaultBenchEvents     = 10000
	defaultBenchProducers  = 4
	defaultBenchRecipients = 100
	defaultPayloadBytes    = 256
	defaultDrainTimeout    = time.Minute
	defaultDrainPoll       = 10 * time.Millisecond
	percentileP50          = 0.50
	percentileP95          = 0.95
	percentileP99          = 0.99
	microsecondsPerSecond  = 1e6
	benchEventType         = "bench.tick"
)

var (
	errInvalidBenchConfig = errors.New("eventfeed bench: events, producers and recipients must be positive")
	errDrainTimeout       = errors.New("eventfeed bench: tailer did not emit every event before the drain timeout")
)

type benchConfig struct {
	events       int
	producers    int
	recipients   int
	payloadBytes int
	interval     time.Duration
	drainTimeout time.Duration
	seed         int64
}

func (c benchConfig) validate() error {
	if c.events <= 0 || c.producers <= 0 || c.recipients <= 0 {
		return errInvalidBenchConfig
	}

	return nil
}

type result struct {
	Backend          string        `json:"backend"`
	Events           int           `json:"events"`
	Producers        int           `json:"producers"`
	Recipients       int           `json:"recipients"`
	PayloadBytes     int           `json:"payload_bytes"`
	Produced         int64         `json:"produced"`
	Emitted          int64         `json:"emitted"`
	AppendErrors     int64         `json:"append_errors"`
	OrderViolations  int64         `json:"order_violations"`
	Duration         time.Duration `json:"duration"`
	Throughput       float64       `json:"throughput_events_per_sec"`
	AppendP50Ms      float64       `json:"append_p50_ms"`
	AppendP99Ms      float64       `json:"append_p99_ms"`
	LatencyP50Ms     float64       `json:"latency_p50_ms"`
	LatencyP95Ms     float64       `json:"latency_p95_ms"`
	LatencyP99Ms     float64       `json:"latency_p99_ms"`
	LatencyMaxMs     float64       `json:"latency_max_ms"`
	LatencyMeanMs    float64       `json:"latency_mean_ms"`
	ProcessUserCPU   float64       `json:"process_user_cpu_seconds"`
	ProcessSystemCPU float64       `json:"process_system_cpu_seconds"`
	GoTotalAlloc     uint64        `json:"go_total_alloc_bytes"`
	GoNumGC          uint32        `json:"go_num_gc"`
}

func newBenchCmd(root *rootOptions) *cobra.Command {
	var (
		bc      benchConfig
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Append events from concurrent producers and measure commit-to-emit latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bc.validate(); err != nil {
				return err
			}
			cfg, zl, err := root.setup()
			if err != nil {
				return err
			}
			defer func() {
				_ = zl.Sync()
			}()

			res, err := runBench(cmd.Context(), cfg, bc, zl)
			if err != nil {
				return err
			}

			return writeResult(cmd.OutOrStdout(), res, jsonOut)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&bc.events, "events", defaultBenchEvents, "Total events to append")
	flags.IntVar(&bc.producers, "producers", defaultBenchProducers, "Concurrent producers")
	flags.IntVar(&bc.recipients, "recipients", defaultBenchRecipients, "Distinct recipients events are spread over")
	flags.IntVar(&bc.payloadBytes, "payload-bytes", defaultPayloadBytes, "Padding added to each payload")
	flags.DurationVar(&bc.interval, "producer-interval", 0, "Sleep between appends per producer")
	flags.DurationVar(&bc.drainTimeout, "drain-timeout", defaultDrainTimeout, "Time to wait for the tailer to emit everything")
	flags.Int64Var(&bc.seed, "seed", 1, "Random seed for recipient selection")
	flags.BoolVar(&jsonOut, "json", false, "Print JSON result")

	return cmd
}

func runBench(ctx context.Context, cfg config.Config, bc benchConfig, zl *zap.Logger) (result, error) {
	logger := zaplog.New(zl)
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return result{}, err
	}
	defer b.Close()

	sink := newLatencySink()
	tailer := eventfeed.NewTailer(b.tail, sink, eventfeed.TailerConfig{
		BatchSize:    cfg.Tailer.BatchSize,
		PollInterval: cfg.Tailer.PollInterval,
		Lookback:     cfg.Tailer.Lookback,
		Notifier:     b.notifier,
		Logger:       logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runWorkers(runCtx, zl, append([]worker{{name: "tailer", run: tailer.Run}}, b.workers...))
	}()

	startUsage := readResourceUsage()
	start := time.Now()

	appendLatency := &latencyStats{}
	var produced, appendErrors atomic.Int64
	runProducers(runCtx, b, bc, appendLatency, &produced, &appendErrors, logger)

	drainErr := drain(runCtx, bc.drainTimeout, func() bool {
		return sink.emitted.Load() >= produced.Load()
	})
	elapsed := time.Since(start)
	usage := deltaUsage(startUsage, readResourceUsage())

	cancel()
	if err := <-workersDone; err != nil {
		return result{}, err
	}
	if drainErr != nil {
		return result{}, fmt.Errorf("%w: emitted %d of %d", drainErr, sink.emitted.Load(), produced.Load())
	}

	lat := sink.latency.snapshot()
	app := appendLatency.snapshot()
	res := result{
		Backend:          b.name,
		Events:           bc.events,
		Producers:        bc.producers,
		Recipients:       bc.recipients,
		PayloadBytes:     bc.payloadBytes,
		Produced:         produced.Load(),
		Emitted:          sink.emitted.Load(),
		AppendErrors:     appendErrors.Load(),
		OrderViolations:  sink.violations.Load(),
		Duration:         elapsed,
		AppendP50Ms:      msFloat(app.P50),
		AppendP99Ms:      msFloat(app.P99),
		LatencyP50Ms:     msFloat(lat.P50),
		LatencyP95Ms:     msFloat(lat.P95),
		LatencyP99Ms:     msFloat(lat.P99),
		LatencyMaxMs:     msFloat(lat.Max),
		LatencyMeanMs:    msFloat(lat.Mean),
		ProcessUserCPU:   usage.UserCPUSeconds,
		ProcessSystemCPU: usage.SystemCPUSeconds,
		GoTotalAlloc:     usage.GoTotalAllocBytes,
		GoNumGC:          usage.GoNumGC,
	}
	if elapsed > 0 {
		res.Throughput = float64(res.Emitted) / elapsed.Seconds()
	}

	return res, nil
}

func runProducers(
	ctx context.Context,
	b *backend,
	bc benchConfig,
	appendLatency *latencyStats,
	produced, appendErrors *atomic.Int64,
	logger eventfeed.Logger,
) {
	padding := make([]byte, bc.payloadBytes)
	for i := range padding {
		padding[i] = 'x'
	}
	pad := string(padding)

	var (
		wg   sync.WaitGroup
		next atomic.Int64
	)
	for p := 0; p < bc.producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(bc.seed + int64(p)))
			for next.Add(1) <= int64(bc.events) {
				if ctx.Err() != nil {
					return
				}
				recipientID := "bench-" + strconv.Itoa(rng.Intn(bc.recipients))
				payload, _ := json.Marshal(benchPayload{T: time.Now().UnixNano(), Pad: pad})

				started := time.Now()
				_, err := b.append(ctx, eventfeed.AppendRequest{
					RecipientID:   recipientID,
					EventType:     benchEventType,
					SchemaVersion: 1,
					Payload:       payload,
				})
				if err != nil {
					appendErrors.Add(1)
					logger.Warn("eventfeed bench append failed", "recipient_id", recipientID, "err", err)
					continue
				}
				appendLatency.record(time.Since(started))
				produced.Add(1)

				if bc.interval > 0 {
					time.Sleep(bc.interval)
				}
			}
		}()
	}
	wg.Wait()
}

func drain(ctx context.Context, timeout time.Duration, done func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(defaultDrainPoll)
	defer ticker.Stop()

	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errDrainTimeout
		case <-ticker.C:
		}
	}

	return nil
}

type benchPayload struct {
	T   int64  `json:"t"`
	Pad string `json:"pad,omitempty"`
}

// latencySink measures append-to-emit latency and checks per-recipient id order.
type latencySink struct {
	latency    *latencyStats
	emitted    atomic.Int64
	violations atomic.Int64

	mu   sync.Mutex
	last map[string]eventfeed.ID
}

func newLatencySink() *latencySink {
	return &latencySink{latency: &latencyStats{}, last: make(map[string]eventfeed.ID)}
}

func (s *latencySink) Publish(_ context.Context, events []eventfeed.Event) {
	now := time.Now()

	s.mu.Lock()
	for _, e := range events {
		if e.ID.Compare(s.last[e.RecipientID]) <= 0 {
			s.violations.Add(1)
		}
		s.last[e.RecipientID] = e.ID
	}
	s.mu.Unlock()

	for _, e := range events {
		var p benchPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.T > 0 {
			s.latency.record(now.Sub(time.Unix(0, p.T)))
		}
	}
	s.emitted.Add(int64(len(events)))
}

type latencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencyStats) record(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

type latencySnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int64
}

func (l *latencyStats) snapshot() latencySnapshot {
	l.mu.Lock()
	samples := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(samples) == 0 {
		return latencySnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return latencySnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: int64(len(samples)),
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

type resourceUsage struct {
	UserCPUSeconds    float64
	SystemCPUSeconds  float64
	GoTotalAllocBytes uint64
	GoNumGC           uint32
}

func readResourceUsage() resourceUsage {
	var usage resourceUsage

	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		usage.UserCPUSeconds = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/microsecondsPerSecond
		usage.SystemCPUSeconds = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/microsecondsPerSecond
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usage.GoTotalAllocBytes = ms.TotalAlloc
	usage.GoNumGC = ms.NumGC

	return usage
}

func deltaUsage(start, end resourceUsage) resourceUsage {
	return resourceUsage{
		UserCPUSeconds:    end.UserCPUSeconds - start.UserCPUSeconds,
		SystemCPUSeconds:  end.SystemCPUSeconds - start.SystemCPUSeconds,
		GoTotalAllocBytes: end.GoTotalAllocBytes - start.GoTotalAllocBytes,
		GoNumGC:           end.GoNumGC - start.GoNumGC,
	}
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeResult(w io.Writer, res result, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	_, err := fmt.Fprintf(w,
		"backend=%s events=%d emitted=%d producers=%d recipients=%d duration=%s throughput=%.0f/s\n"+
			"append p50=%.2fms p99=%.2fms\n"+
			"commit-to-emit p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms mean=%.2fms\n"+
			"append_errors=%d order_violations=%d cpu_user=%.2fs cpu_sys=%.2fs gc=%d\n",
		res.Backend, res.Events, res.Emitted, res.Producers, res.Recipients, res.Duration.Truncate(time.Millisecond), res.Throughput,
		res.AppendP50Ms, res.AppendP99Ms,
		res.LatencyP50Ms, res.LatencyP95Ms, res.LatencyP99Ms, res.LatencyMaxMs, res.LatencyMeanMs,
		res.AppendErrors, res.OrderViolations, res.ProcessUserCPU, res.ProcessSystemCPU, res.GoNumGC,
	)

	return err
}

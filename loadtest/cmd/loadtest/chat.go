package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chirpy/chat-backend/loadtest/client"
	"github.com/chirpy/chat-backend/loadtest/stats"
)

// chatPair holds the two connected guests of one session plus their open
// listen streams.
type chatPair struct {
	sessionID string
	c1, c2    *client.Client
	s1, s2    *client.Stream
}

// pairResult tracks the outcome of a single pair's lifecycle.
type pairResult struct {
	msgSent int64
	msgRecv int64
	gapped  bool
}

// runChat implements the full chat lifecycle load test. Each simulated pair
// goes through the complete flow: guest token -> create session -> join ->
// listen -> exchange messages over HTTP posts. Message bodies carry the send
// timestamp so receivers can measure post-to-delivery latency through the
// whole pipeline: HTTP handler, log append, hub fan-out, WebSocket write.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Server base URL")
	pairs := fs.Int("pairs", 100, "Number of guest pairs, one session each")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per guest")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, *pairs*2, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all established pairs for the chat phase and cleanup.
	var mu sync.Mutex
	established := make([]chatPair, 0, *pairs)

	// Track whether ramp-up was interrupted so we can skip the chat phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1: Connect all pairs
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all pairs ---")

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent pair setups.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] streams: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, *pairs*2, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = *pairs // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				setupCtx, setupCancel := context.WithTimeout(ctx, 15*time.Second)
				defer setupCancel()

				pair, err := setupPair(setupCtx, *url, collector)
				if err != nil {
					collector.AddError()
					return
				}

				mu.Lock()
				established = append(established, pair)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	establishedCount := len(established)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d pairs in %s (%d errors)\n",
		establishedCount, *pairs,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || establishedCount == 0 {
		if establishedCount == 0 {
			fmt.Println("No pairs established.")
		}
		cleanupPairs(established, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", establishedCount)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, establishedCount)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, establishedCount, sent, recv, errs)
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	mu.Lock()
	pairsCopy := make([]chatPair, len(established))
	copy(pairsCopy, established)
	mu.Unlock()

	for i, pair := range pairsCopy {
		i, pair := i, pair

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger pair starts by 50ms so tickers do not align.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, pair, *chatDuration, *msgInterval,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted. Waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var totalSent, totalRecv int64
	gappedCount := 0

	for _, r := range results {
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.gapped {
			gappedCount++
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs run:       %d\n", establishedCount)
	fmt.Printf("Total msg sent:  %d\n", totalSent)
	fmt.Printf("Total msg recv:  %d\n", totalRecv)
	fmt.Printf("Pairs gapped:    %d\n", gappedCount)
	fmt.Printf("Chat duration:   %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:  %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanupPairs(established, &mu)
	scraper.Stop()
	collector.Report()
}

// setupPair establishes one session with two connected guests: tokens for
// both, session created by the first, joined by the second, and a listen
// stream opened for each starting at sequence zero so no early message is
// missed.
func setupPair(ctx context.Context, url string, collector *stats.Collector) (chatPair, error) {
	c1, err := client.New(ctx, url)
	if err != nil {
		return chatPair{}, err
	}
	c2, err := client.New(ctx, url)
	if err != nil {
		return chatPair{}, err
	}

	sessionID, err := c1.CreateSession(ctx)
	if err != nil {
		return chatPair{}, err
	}
	if err := c2.Join(ctx, sessionID); err != nil {
		return chatPair{}, err
	}

	s1, err := c1.Listen(ctx, sessionID, 0)
	if err != nil {
		return chatPair{}, err
	}
	s2, err := c2.Listen(ctx, sessionID, 0)
	if err != nil {
		s1.Close()
		return chatPair{}, err
	}

	collector.AddConnect(c1.GetMetrics().ListenLatency)
	collector.AddConnect(c2.GetMetrics().ListenLatency)

	return chatPair{sessionID: sessionID, c1: c1, c2: c2, s1: s1, s2: s2}, nil
}

// runPair drives one pair through the chat phase: both guests post at the
// configured interval while their listen streams measure delivery latency
// from the timestamp embedded in each message body.
func runPair(
	ctx context.Context,
	pair chatPair,
	chatDuration, msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	var sent, recv atomic.Int64
	var gapped atomic.Bool

	// Each listen stream parses the nanosecond timestamp prefix from the
	// message body to compute end-to-end delivery latency. Both streams run
	// the same handler; a gap event marks the pair as having overflowed.
	onMessage := func(raw json.RawMessage) {
		var ev client.MessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		recv.Add(1)
		totalMsgRecv.Add(1)
		if sentAt, ok := parseSendTime(ev.Body); ok {
			collector.AddDelivery(time.Since(sentAt))
		}
	}
	onGap := func(json.RawMessage) {
		gapped.Store(true)
	}

	pair.s1.On(client.EventMessage, onMessage)
	pair.s2.On(client.EventMessage, onMessage)
	pair.s1.On(client.EventGap, onGap)
	pair.s2.On(client.EventGap, onGap)

	// Both guests post on their own tickers, offset by half the interval so
	// the session sees alternating authors.
	var chatWg sync.WaitGroup
	for i, c := range []*client.Client{pair.c1, pair.c2} {
		offset := time.Duration(i) * msgInterval / 2

		chatWg.Add(1)
		go func(c *client.Client, offset time.Duration) {
			defer chatWg.Done()

			select {
			case <-time.After(offset):
			case <-chatCtx.Done():
				return
			}

			ticker := time.NewTicker(msgInterval)
			defer ticker.Stop()

			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					body := fmt.Sprintf("%d %s", time.Now().UnixNano(), msgPayload)
					if _, err := c.Post(chatCtx, pair.sessionID, body); err != nil {
						errorCount.Add(1)
						collector.AddError()
						continue
					}
					totalMsgSent.Add(1)
					sent.Add(1)
				}
			}
		}(c, offset)
	}

	chatWg.Wait()

	result.msgSent = sent.Load()
	result.msgRecv = recv.Load()
	result.gapped = gapped.Load()
}

// parseSendTime extracts the UnixNano timestamp prefix from a message body.
func parseSendTime(body string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(body, " ")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// cleanupPairs closes every stream of every established pair.
func cleanupPairs(pairs []chatPair, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nClosing %d pairs...\n", len(pairs))
	for _, p := range pairs {
		p.s1.Close()
		p.s2.Close()
	}
}

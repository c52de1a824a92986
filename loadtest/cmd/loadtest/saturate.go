package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chirpy/chat-backend/loadtest/client"
	"github.com/chirpy/chat-backend/loadtest/stats"
)

// listener pairs a client with its open listen stream so the hold phase can
// check liveness and the cleanup phase can close both sides.
type listener struct {
	client *client.Client
	stream *client.Stream
}

// runSaturate implements the listener saturation test. One host guest creates
// a session, then N guests join it and open listen streams, ramping up over a
// configurable duration. All streams are held open for a hold period during
// which the host posts messages at a fixed interval, exercising fan-out to
// every subscriber at once. This test is designed to find the subscriber
// capacity of a single session before the server starts evicting slow
// consumers.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Server base URL")
	connections := fs.Int("connections", 1000, "Number of listen streams to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all streams are open")
	postInterval := fs.Duration("post-interval", time.Second, "Interval between host messages during hold (0 disables posting)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d listeners to %s (ramp=%s, hold=%s, post-interval=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *postInterval, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// The host creates the shared session that every listener joins.
	host, err := client.New(ctx, *url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host token: %v\n", err)
		os.Exit(1)
	}
	sessionID, err := host.CreateSession(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s created by host %s\n", sessionID, host.GuestID())

	// Slice to track all open listeners for cleanup.
	var mu sync.Mutex
	listeners := make([]listener, 0, *connections)

	// Track stream drops during the hold phase.
	var dropped atomic.Int64

	// Track whether ramp-up was interrupted so we can skip the hold phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	// Calculate the interval between connection launches.
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 1 second during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(1 * time.Second)
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
				fmt.Printf("  [ramp] listeners: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, *connections, currentErrs, rate)
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
	for launched < *connections {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			launched = *connections // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				// Token, join, and listen share a per-listener timeout.
				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.Join(connCtx, sessionID); err != nil {
					collector.AddError()
					return
				}

				s, err := c.Listen(connCtx, sessionID, -1)
				if err != nil {
					collector.AddError()
					return
				}

				// Record connect latency from client metrics.
				m := c.GetMetrics()
				collector.AddConnect(m.ListenLatency)

				// Add to the tracked listeners slice.
				mu.Lock()
				listeners = append(listeners, listener{client: c, stream: s})
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()

	// Wait for all in-flight connection goroutines to finish.
	wg.Wait()

	// Stop the progress reporting goroutine.
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	fmt.Printf("\nRamp-up complete: %d/%d listeners in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")

		mu.Lock()
		initialAlive := len(listeners)
		mu.Unlock()
		fmt.Printf("Holding %d streams for %s...\n", initialAlive, *hold)

		// The host posts at a fixed interval so the hold phase exercises
		// fan-out rather than idle keepalives only.
		var posted atomic.Int64
		postStop := make(chan struct{})
		var postWg sync.WaitGroup
		if *postInterval > 0 {
			postWg.Add(1)
			go func() {
				defer postWg.Done()
				ticker := time.NewTicker(*postInterval)
				defer ticker.Stop()
				n := 0
				for {
					select {
					case <-postStop:
						return
					case <-ticker.C:
						n++
						if _, err := host.Post(ctx, sessionID, fmt.Sprintf("saturate %d", n)); err != nil {
							collector.AddError()
							continue
						}
						posted.Add(1)
					}
				}
			}()
		}

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				// Count alive streams: a closed Done channel means the
				// server dropped or evicted the subscriber.
				mu.Lock()
				alive := 0
				for _, l := range listeners {
					select {
					case <-l.stream.Done():
					default:
						alive++
					}
				}
				mu.Unlock()
				droppedNow := int64(initialAlive - alive)
				dropped.Store(droppedNow)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d  posted: %d\n",
					alive, initialAlive, droppedNow, posted.Load())
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
		close(postStop)
		postWg.Wait()
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(listeners)
	fmt.Printf("Closing %d streams...\n", total)
	for _, l := range listeners {
		l.stream.Close()
	}
	mu.Unlock()
	fmt.Println("All streams closed.")

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	if d := dropped.Load(); d > 0 {
		fmt.Printf("\nStreams dropped during hold: %d\n", d)
	}

	// Sum events received across all listeners.
	mu.Lock()
	var received, gaps int
	for _, l := range listeners {
		m := l.client.GetMetrics()
		received += m.EventsReceived
		gaps += m.Gaps
	}
	mu.Unlock()
	fmt.Printf("Events received:  %d\n", received)
	fmt.Printf("Gap events:       %d\n", gaps)

	collector.Report()
}

// mhub-ping measures broker round-trip latency: it sends ping commands in
// a loop and reports per-ping and aggregate timings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/poelstra/mhub-sub000/pkg/client"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:13900/", "broker URL")
		count    = flag.Int("count", 10, "number of pings to send (0 means forever)")
		interval = flag.Duration("interval", time.Second, "delay between pings")
		insecure = flag.Bool("insecure", false, "skip TLS certificate verification")
	)
	flag.Parse()

	if err := run(*url, *count, *interval, *insecure); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(url string, count int, interval time.Duration, insecure bool) error {
	ctx := context.Background()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, client.Config{URL: url, Insecure: insecure})
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		sent  int
		min   time.Duration
		max   time.Duration
		total time.Duration
	)
	for count == 0 || sent < count {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		start := time.Now()
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping %d: %w", sent+1, err)
		}
		rtt := time.Since(start)

		sent++
		total += rtt
		if min == 0 || rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
		fmt.Printf("pong %d: rtt=%s\n", sent, rtt)

		if count == 0 || sent < count {
			time.Sleep(interval)
		}
	}

	fmt.Printf("\n%d pings: min=%s avg=%s max=%s\n", sent, min, total/time.Duration(sent), max)
	return nil
}

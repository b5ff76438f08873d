package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// bench drives a node's admin /command endpoint with random and cache_get
// lines. Replies stay on the node's bus; this only measures acceptance.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "admin server address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	batch := flag.Int("batch", 1, "command lines per request")
	key := flag.String("key", "hostname", "cache key for cache_get")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var failed atomic.Int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			var body strings.Builder
			for j := 0; j < *batch; j++ {
				if (i+j)%2 == 0 {
					body.WriteString("random\n")
				} else {
					fmt.Fprintf(&body, "cache_get %d-%d %s\n", i, j, *key)
				}
			}
			resp, err := client.Post(*addr+"/command", "text/plain", strings.NewReader(body.String()))
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	ops := *n * *batch
	fmt.Printf("Completed %d commands in %d requests in %s (%.2f cmds/s, %d failed requests)\n",
		ops, *n, dur, float64(ops)/dur.Seconds(), failed.Load())
}

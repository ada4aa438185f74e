// Command loadtest drives a running agentgate instance with concurrent chat
// completion requests and reports latency percentiles. Point it at a gateway
// whose backend resolves to a fast model (or a stub CLI) before drawing
// conclusions from the numbers.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type recorder struct {
	requests  int64
	errors    int64
	totalUsec int64

	mu        sync.Mutex
	latencies []int64 // microseconds
}

func (r *recorder) observe(usec int64, failed bool) {
	atomic.AddInt64(&r.requests, 1)
	atomic.AddInt64(&r.totalUsec, usec)
	if failed {
		atomic.AddInt64(&r.errors, 1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, usec)
	r.mu.Unlock()
}

func (r *recorder) percentile(p float64) int64 {
	if len(r.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(r.latencies)) * p)
	if idx >= len(r.latencies) {
		idx = len(r.latencies) - 1
	}
	return r.latencies[idx]
}

func main() {
	duration := flag.Int("duration", 30, "test duration in seconds")
	concurrency := flag.Int("c", 10, "number of concurrent workers")
	rps := flag.Int("rps", 0, "target requests per second (0 = unlimited)")
	url := flag.String("url", "http://localhost:8080/v1/chat/completions", "target URL")
	model := flag.String("model", "haiku", "model id sent in each request")
	session := flag.Bool("session", false, "reuse one session per worker")

	flag.Parse()

	fmt.Printf("Starting load test:\n")
	fmt.Printf("  URL:         %s\n", *url)
	fmt.Printf("  Model:       %s\n", *model)
	fmt.Printf("  Duration:    %d seconds\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target RPS:  %d\n", *rps)
	fmt.Println()

	rec := &recorder{}

	var rateChan <-chan time.Time
	var ticker *time.Ticker
	if *rps > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(*rps))
		rateChan = ticker.C
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 1000,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			payload := map[string]interface{}{
				"model": *model,
				"messages": []map[string]string{
					{"role": "user", "content": "Reply with one word."},
				},
			}
			if *session {
				payload["session_id"] = fmt.Sprintf("loadtest-%d", worker)
			}
			body, _ := json.Marshal(payload)

			for {
				select {
				case <-done:
					return
				default:
				}
				if rateChan != nil {
					<-rateChan
				}

				reqStart := time.Now()
				req, _ := http.NewRequest(http.MethodPost, *url, bytes.NewReader(body))
				req.Header.Set("Content-Type", "application/json")

				resp, err := client.Do(req)
				usec := time.Since(reqStart).Microseconds()

				failed := err != nil || resp.StatusCode != http.StatusOK
				if resp != nil {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
				rec.observe(usec, failed)
			}
		}(i)
	}

	time.AfterFunc(time.Duration(*duration)*time.Second, func() { close(done) })
	wg.Wait()
	if ticker != nil {
		ticker.Stop()
	}

	elapsed := time.Since(start).Seconds()
	sort.Slice(rec.latencies, func(i, j int) bool { return rec.latencies[i] < rec.latencies[j] })

	line := strings.Repeat("=", 60)
	fmt.Println("\n" + line)
	fmt.Println("Load Test Results")
	fmt.Println(line)
	fmt.Printf("Total Requests:   %d\n", rec.requests)
	fmt.Printf("Total Failures:   %d\n", rec.errors)
	fmt.Printf("Duration:         %.2f seconds\n", elapsed)
	fmt.Printf("Requests/sec:     %.2f\n", float64(rec.requests)/elapsed)
	fmt.Println(strings.Repeat("-", 60))
	if rec.requests > 0 {
		fmt.Printf("Average Latency:  %.2f ms\n", float64(rec.totalUsec)/float64(rec.requests)/1000)
	}
	fmt.Printf("P50 Latency:      %.2f ms\n", float64(rec.percentile(0.50))/1000)
	fmt.Printf("P95 Latency:      %.2f ms\n", float64(rec.percentile(0.95))/1000)
	fmt.Printf("P99 Latency:      %.2f ms\n", float64(rec.percentile(0.99))/1000)
	fmt.Println(strings.Repeat("-", 60))
	if rec.requests > 0 {
		fmt.Printf("Error Rate:       %.2f%%\n", float64(rec.errors)/float64(rec.requests)*100)
	}
	fmt.Println(line)
}

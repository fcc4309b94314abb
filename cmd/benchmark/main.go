package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	prefix      string
)

// Metrics
var (
	totalRequests uint64
	success2xx    uint64
	fail402       uint64 // Insufficient funds
	fail429       uint64
	failOther     uint64
	jobsStarted   uint64
	jobsPolled    uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "mixed", "Workload type: reconcile | sections | jobs | mixed | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded accounts")
	flag.StringVar(&prefix, "prefix", "bench", "Seeded address prefix")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 30 * time.Second}

	for time.Since(start) < duration {
		address := pickAccount()
		switch op := pickOperation(); op {
		case "reconcile":
			send(client, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/reconcile", address), nil)
		case "sections":
			send(client, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/sections", address),
				map[string]any{"params": map[string]string{"topic": "benchmark"}})
		case "jobs":
			body := send(client, http.MethodPost, "/api/v1/jobs",
				map[string]any{"address": address, "params": map[string]string{"topic": "benchmark"}})
			if id := gjson.GetBytes(body, "request_id").String(); id != "" {
				atomic.AddUint64(&jobsStarted, 1)
				poll(client, id, start)
			}
		}
	}
}

// poll follows a job until it is terminal or the run ends.
func poll(client *http.Client, id string, start time.Time) {
	for time.Since(start) < duration {
		body := send(client, http.MethodGet, "/api/v1/jobs/"+id+"/progress", nil)
		atomic.AddUint64(&jobsPolled, 1)
		state := gjson.GetBytes(body, "state").String()
		if state == "" || state == "DONE" || state == "ERROR" {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func send(client *http.Client, method, path string, payload any) []byte {
	var buf bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&buf).Encode(payload)
	}
	req, _ := http.NewRequest(method, targetURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	atomic.AddUint64(&totalRequests, 1)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		atomic.AddUint64(&success2xx, 1)
	case resp.StatusCode == http.StatusPaymentRequired:
		atomic.AddUint64(&fail402, 1)
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddUint64(&fail429, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return body
}

func pickOperation() string {
	switch workload {
	case "reconcile", "sections", "jobs":
		return workload
	}
	// mixed and hotspot: mostly reconciles, some sections, few jobs.
	r := rand.Float32()
	switch {
	case r < 0.6:
		return "reconcile"
	case r < 0.9:
		return "sections"
	default:
		return "jobs"
	}
}

func pickAccount() string {
	// Hotspot: 90% of traffic goes to two accounts
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return fmt.Sprintf("%s-%05d", prefix, rand.Intn(2))
	}
	return fmt.Sprintf("%s-%05d", prefix, rand.Intn(accounts))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"success":           atomic.LoadUint64(&success2xx),
		"insufficient_fund": atomic.LoadUint64(&fail402),
		"rate_limited":      atomic.LoadUint64(&fail429),
		"errors":            atomic.LoadUint64(&failOther),
		"jobs_started":      atomic.LoadUint64(&jobsStarted),
		"progress_polls":    atomic.LoadUint64(&jobsPolled),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not save results: %v", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}

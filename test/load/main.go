package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Test configuration
type LoadTestConfig struct {
	BaseURL           string
	OwnID             string
	Paths             []string
	Country           string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Stats tracking. A request counts as rejected when the gateway answered
// with success=false, e.g. INSUFFICIENT_BALANCE once the demo wallet drains.
type Stats struct {
	successCount  atomic.Int64
	rejectedCount atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	mu            sync.Mutex

	codesMu sync.Mutex
	codes   map[string]int
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) addCode(code string) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	s.codes[code]++
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

func requestURL(config LoadTestConfig, path string) string {
	q := url.Values{}
	q.Set("path", path)
	q.Set("ownid", config.OwnID)
	if path == "getNumber" {
		q.Set("country", config.Country)
	}
	return config.BaseURL + "?" + q.Encode()
}

func sendRequest(client *http.Client, target string, stats *Stats) {
	start := time.Now()

	resp, err := client.Get(target)
	if err != nil {
		stats.errorCount.Add(1)
		stats.addResponseTime(time.Since(start).Seconds())
		return
	}
	defer resp.Body.Close()

	var body envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	stats.addResponseTime(time.Since(start).Seconds())

	switch {
	case resp.StatusCode != http.StatusOK || decodeErr != nil:
		stats.errorCount.Add(1)
	case body.Success:
		stats.successCount.Add(1)
	default:
		stats.rejectedCount.Add(1)
		stats.addCode(body.Error)
	}
}

func worker(client *http.Client, config LoadTestConfig, stats *Stats, jobs <-chan int, wg *sync.WaitGroup) {
	defer wg.Done()

	for n := range jobs {
		sendRequest(client, requestURL(config, config.Paths[n%len(config.Paths)]), stats)
	}
}

func calculatePercentile(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	config := LoadTestConfig{
		BaseURL:           getEnvOrDefault("TARGET_URL", "http://localhost:8080/api"),
		OwnID:             getEnvOrDefault("OWNID", "demo_key"),
		Paths:             strings.Split(getEnvOrDefault("PATHS", "getCountries"), ","),
		Country:           getEnvOrDefault("COUNTRY", "philippines_51"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 500),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 100),
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s paths=%v\n", config.BaseURL, config.Paths)
	fmt.Printf("Total requests: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Duration: %d seconds\n", config.DurationSeconds)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{codes: make(map[string]int)}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 30 * time.Second,
	}

	jobs := make(chan int, config.RequestsPerSecond)

	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(client, config, stats, jobs, &wg)
	}

	startTime := time.Now()
	totalRequests := config.RequestsPerSecond * config.DurationSeconds
	requestsSent := 0

	for i := 0; i < config.DurationSeconds && requestsSent < totalRequests; i++ {
		batchStart := time.Now()

		for j := 0; j < config.RequestsPerSecond && requestsSent < totalRequests; j++ {
			jobs <- requestsSent
			requestsSent++
		}

		success := stats.successCount.Load()
		rejected := stats.rejectedCount.Load()
		errors := stats.errorCount.Load()
		fmt.Printf("[%ds] Completed: %d | Success: %d | Rejected: %d | Errors: %d\n",
			i+1, success+rejected+errors, success, rejected, errors)

		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()

	duration := time.Since(startTime).Seconds()

	success := stats.successCount.Load()
	rejected := stats.rejectedCount.Load()
	errors := stats.errorCount.Load()
	total := success + rejected + errors

	times := stats.getResponseTimes()
	sort.Float64s(times)

	var avg float64
	for _, t := range times {
		avg += t
	}
	if len(times) > 0 {
		avg /= float64(len(times))
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Successful: %d\n", success)
	fmt.Printf("Rejected: %d\n", rejected)
	fmt.Printf("Failed: %d\n", errors)
	for code, n := range stats.codes {
		fmt.Printf("  %s: %d\n", code, n)
	}
	if total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(success)/float64(total)*100)
	}
	fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)
	fmt.Printf("\nResponse times:\n")
	fmt.Printf("  Average: %.2f ms\n", avg*1000)
	fmt.Printf("  P50: %.2f ms\n", calculatePercentile(times, 0.50)*1000)
	fmt.Printf("  P95: %.2f ms\n", calculatePercentile(times, 0.95)*1000)
	fmt.Printf("  P99: %.2f ms\n", calculatePercentile(times, 0.99)*1000)
	if len(times) > 0 {
		fmt.Printf("  Min: %.2f ms\n", times[0]*1000)
		fmt.Printf("  Max: %.2f ms\n", times[len(times)-1]*1000)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	controllerURL string
	concurrency   int
	runsPerWorker int
)

func init() {
	flag.StringVar(&controllerURL, "url", "http://localhost:8080", "Controller URL")
	flag.IntVar(&concurrency, "c", 10, "Number of concurrent workers")
	flag.IntVar(&runsPerWorker, "n", 10, "Runs per worker")
}

// Stats
var (
	successCount int64
	failCount    int64
	totalLatency int64 // microseconds
)

func main() {
	flag.Parse()

	configID, err := createConfig()
	if err != nil {
		fmt.Printf("Failed to create config: %v\n", err)
		return
	}

	totalRuns := concurrency * runsPerWorker
	fmt.Printf("Starting load test: %d workers, %d runs each (%d total)\n", concurrency, runsPerWorker, totalRuns)
	fmt.Printf("Target: %s, config: %s\n", controllerURL, configID)

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(id, configID)
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	tps := float64(totalRuns) / duration.Seconds()
	avgLatency := time.Duration(atomic.LoadInt64(&totalLatency) / int64(totalRuns))

	fmt.Printf("\n--- Results (%d total) ---\n", totalRuns)
	fmt.Printf("Duration: %v (%.2f ops/sec)\n", duration, tps)
	fmt.Printf("Latency:  avg=%v\n", avgLatency)
	fmt.Printf("Status:   %d ok, %d failed\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&failCount))
}

func createConfig() (string, error) {
	snap := map[string]any{
		"model_flavour": "resnet18",
		"loss_name":     "ce",
		"epochs":        1,
		"command":       "echo loadtest",
	}
	body, _ := json.Marshal(map[string]any{"project_id": "loadtest", "config": snap})

	resp, err := http.Post(controllerURL+"/v1/configs", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	return res["id"], nil
}

func worker(id int, configID string) {
	client := &http.Client{Timeout: 5 * time.Second}

	for j := 0; j < runsPerWorker; j++ {
		body, _ := json.Marshal(map[string]any{"config_id": configID})

		reqStart := time.Now()
		resp, err := client.Post(fmt.Sprintf("%s/v1/runs", controllerURL), "application/json", bytes.NewBuffer(body))
		latency := time.Since(reqStart)
		atomic.AddInt64(&totalLatency, int64(latency))

		if err != nil || resp.StatusCode != http.StatusCreated {
			atomic.AddInt64(&failCount, 1)
			if err != nil {
				// reduce spam
				if j%10 == 0 {
					fmt.Printf("[W%d] Error: %v\n", id, err)
				}
			} else {
				fmt.Printf("[W%d] Status: %d\n", id, resp.StatusCode)
				resp.Body.Close()
			}
			continue
		}

		// consume body to reuse keep-alive
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		atomic.AddInt64(&successCount, 1)
	}
}

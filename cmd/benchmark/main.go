// Benchmark tool for measuring Merlin against synthetic labeled traffic.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8000 -users 100 -per-user 20
//
// This tool:
//  1. Generates routine per-user histories plus users whose last
//     transaction should be flagged
//  2. Replays each user's transactions in time order through POST /transactions
//  3. Compares Merlin's risk level with the generated labels
//  4. Reports precision, recall, F1-score, latency and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/merlin/internal/seed"
)

// TransactionRequest is the Merlin API request format
type TransactionRequest struct {
	UserID           string    `json:"user_id"`
	Amount           float64   `json:"amount"`
	Location         string    `json:"location"`
	MerchantCategory string    `json:"merchant_category"`
	Timestamp        time.Time `json:"timestamp"`
}

// DecisionResponse is the Merlin API response format
type DecisionResponse struct {
	RiskLevel string   `json:"risk_level"`
	Reasons   []string `json:"reasons"`
	MLScore   *float64 `json:"ml_score"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Anomaly flagged
	FalsePositives int64 // Routine flagged
	TrueNegatives  int64 // Routine passed as low
	FalseNegatives int64 // Anomaly passed as low (missed!)

	TotalProcessed int64
	TotalAnomalous int64
	TotalRoutine   int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "Merlin base URL")
	users := flag.Int("users", 100, "Number of routine users")
	perUser := flag.Int("per-user", 20, "Transactions per routine user")
	workers := flag.Int("workers", 10, "Number of concurrent workers (one user per worker at a time)")
	seedVal := flag.Uint64("seed", 42, "Generator seed")
	skipWarmup := flag.Int("skip", 1, "Leading transactions per user excluded from scoring")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          MERLIN BENCHMARK - Synthetic Card Traffic            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nMerlin URL:  %s\n", *baseURL)
	fmt.Printf("Users:       %d x %d\n", *users, *perUser)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Seed:        %d\n", *seedVal)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run ./cmd/merlin")
		os.Exit(1)
	}
	fmt.Println("✓ Merlin is healthy")

	// Anchor histories so the newest traffic lands close to now.
	start := time.Now().UTC().AddDate(0, 0, -(*perUser)*4)
	gen := seed.New(*seedVal, start)
	sequences := append(gen.Population(*users, *perUser), gen.Scenarios()...)

	// Prefix user IDs so reruns start from cold baselines.
	runID := fmt.Sprintf("bench-%d-", time.Now().Unix())
	total, anomalous := 0, 0
	for _, seq := range sequences {
		for _, l := range seq {
			l.Tx.UserID = runID + l.Tx.UserID
			total++
			if l.Anomalous {
				anomalous++
			}
		}
	}
	fmt.Printf("✓ Generated %d transactions for %d users (%d anomalous)\n", total, len(sequences), anomalous)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(sequences, *baseURL, *workers, *skipWarmup, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(sequences [][]seed.Labeled, baseURL string, numWorkers, skip int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Each work item is one user's whole history; order within a user matters.
	work := make(chan []seed.Labeled, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for seq := range work {
				for i, l := range seq {
					start := time.Now()
					result, err := submitTransaction(client, baseURL, l)
					elapsed := time.Since(start).Milliseconds()

					atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
					atomic.AddInt64(&metrics.TotalProcessed, 1)

					if err != nil {
						atomic.AddInt64(&metrics.TotalErrors, 1)
						if verbose {
							fmt.Printf("ERROR: %s -> %v\n", l.Tx.UserID, err)
						}
						continue
					}

					if i < skip && !l.Anomalous {
						continue
					}

					if l.Anomalous {
						atomic.AddInt64(&metrics.TotalAnomalous, 1)
					} else {
						atomic.AddInt64(&metrics.TotalRoutine, 1)
					}

					predicted := result.RiskLevel != "low"
					actual := l.Anomalous

					if predicted && actual {
						atomic.AddInt64(&metrics.TruePositives, 1)
					} else if predicted && !actual {
						atomic.AddInt64(&metrics.FalsePositives, 1)
					} else if !predicted && !actual {
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					} else {
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}

					if verbose {
						status := "✓"
						if predicted != actual {
							status = "✗"
						}
						score := "-"
						if result.MLScore != nil {
							score = fmt.Sprintf("%.3f", *result.MLScore)
						}
						fmt.Printf("%s %-28s | %-20s | %-5s | $%9.2f | %-6s | ml %s\n",
							status,
							l.Tx.UserID,
							l.Scenario,
							l.Tx.Location,
							l.Tx.Amount,
							result.RiskLevel,
							score,
						)
					}
				}
			}
		}()
	}

	for _, seq := range sequences {
		work <- seq
	}
	close(work)

	wg.Wait()

	return metrics
}

func submitTransaction(client *http.Client, baseURL string, l seed.Labeled) (*DecisionResponse, error) {
	req := TransactionRequest{
		UserID:           l.Tx.UserID,
		Amount:           l.Tx.Amount,
		Location:         l.Tx.Location,
		MerchantCategory: l.Tx.MerchantCategory,
		Timestamp:        l.Tx.Timestamp,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result DecisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Scored Anomalous: %d\n", m.TotalAnomalous)
	fmt.Printf("   Scored Routine:   %d\n", m.TotalRoutine)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                 flagged        low")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           R  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	if m.TotalRoutine > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalRoutine) * 100
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalRoutine, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	amount      string
	currency    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	rejected400   uint64 // Insufficient funds and other business rejections
	throttled429  uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded users, numbered from 100001")
	flag.StringVar(&amount, "amount", "0.01", "Amount moved per transfer")
	flag.StringVar(&currency, "currency", "GUGA", "Currency: GUGA | RUB")
}

func main() {
	flag.Parse()
	logrus.WithFields(logrus.Fields{
		"workload": workload,
		"workers":  concurrency,
		"duration": duration,
	}).Info("Starting Benchmark")

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
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := generateAccounts()

		payload := map[string]interface{}{
			"fromUserId": strconv.Itoa(from),
			"toUserId":   strconv.Itoa(to),
			"amount":     json.Number(amount),
			"currency":   currency,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/transfer", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusBadRequest:
			atomic.AddUint64(&rejected400, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&throttled429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateAccounts() (int, int) {
	const first = 100001

	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes between the first two users
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return first, first + 1
			}
			return first + 1, first
		}
	}

	// Uniform Random
	a := rand.Intn(accounts)
	b := rand.Intn(accounts)
	for a == b {
		b = rand.Intn(accounts)
	}
	return first + a, first + b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&success200)
	r400 := atomic.LoadUint64(&rejected400)
	r429 := atomic.LoadUint64(&throttled429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(r400) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"currency":        currency,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success":         ok,
		"rejected":        r400,
		"reject_rate_pct": rejectRate,
		"throttled":       r429,
		"errors":          fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logrus.WithError(err).Error("Unable to save results")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	PassedTasks     int     `json:"passed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	ErroredTasks    int     `json:"errored_tasks"`
	DeadLetterTasks int     `json:"dead_letter_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (smoke, mixed, multitenant, poison)")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[smoke|mixed|multitenant|poison]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "testpilot"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, *dbHost)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	scenarioFile := fmt.Sprintf("scenarios/%s.sql", *suite)
	content, err := os.ReadFile(scenarioFile)
	if err != nil {
		fmt.Printf("%sError reading scenario file %s: %v%s\n", colorRed, scenarioFile, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("\n%s%s %s TESTPILOT BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	if _, err := db.Exec(string(content)); err != nil {
		fmt.Printf("%s[ERR]%s Failed to insert tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s Scenario loaded and tasks injected.\n\n", colorGreen, colorReset)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-10s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold,
		"ELAPSED", "PASSED", "FAILED", "ERRORED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)

		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s",
				elapsed,
				colorRed, "Error: Connection Refused (Retrying...)", colorReset,
			)
			continue
		}

		deltaPassed := stats.PassedTasks - initialStats.PassedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks
		deltaErrored := stats.ErroredTasks - initialStats.ErroredTasks

		statusColor := colorGreen
		if deltaFailed+deltaErrored > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-10d%s %s%-10d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaPassed, colorReset,
			statusColor, deltaFailed, colorReset,
			statusColor, deltaErrored, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.PendingTasks,
		)

		if stats.RunningTasks == 0 && stats.PendingTasks == 0 && deltaPassed+deltaFailed+deltaErrored > 0 {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			break
		}
	}
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	passed := final.PassedTasks - initial.PassedTasks
	failed := (final.FailedTasks - initial.FailedTasks) + (final.ErroredTasks - initial.ErroredTasks)
	deadLettered := final.DeadLetterTasks - initial.DeadLetterTasks
	totalProcessed := passed + failed + deadLettered
	tps := float64(totalProcessed) / duration.Seconds()

	passRate := 100.0
	if totalProcessed > 0 {
		passRate = (float64(passed) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))

	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Passed:", fmt.Sprintf("%d", passed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed/Errored:", fmt.Sprintf("%d", failed))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Dead-lettered:", fmt.Sprintf("%d", deadLettered))

	fmt.Printf(lineFmt+"\n", "Pass Rate:", fmt.Sprintf("%.2f%%", passRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Run Time:", fmt.Sprintf("%.2f s", final.AvgExecutionSec))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}

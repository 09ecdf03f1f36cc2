// matchsightctl is the operator CLI for a running matchsightd: it
// inspects model versions, API budgets, and engine status.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
)

var addr = flag.String("addr", "http://localhost:8080", "matchsightd base URL")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "versions":
		err = showVersions()
	case "quota":
		err = showQuota()
	case "status":
		err = showStatus()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: matchsightctl [-addr URL] <versions|quota|status>")
}

func fetch(path string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func showVersions() error {
	var versions []struct {
		Version         int       `json:"version"`
		Tag             string    `json:"tag"`
		CreatedAt       time.Time `json:"created_at"`
		TrainingSamples int       `json:"training_samples"`
		TestSamples     int       `json:"test_samples"`
		Metrics         struct {
			LogLoss  float64 `json:"logloss"`
			Accuracy float64 `json:"accuracy"`
			AUC      float64 `json:"auc"`
		} `json:"metrics"`
		ParentVersion int `json:"parent_version"`
	}
	if err := fetch("/api/v1/versions", &versions); err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("no trained models yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Version", "Tag", "Created", "Train", "Test", "AUC", "LogLoss", "Acc", "Parent")
	for _, v := range versions {
		parent := "-"
		if v.ParentVersion != 0 {
			parent = fmt.Sprintf("v%d", v.ParentVersion)
		}
		table.Append(
			fmt.Sprintf("v%d", v.Version),
			v.Tag,
			v.CreatedAt.Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", v.TrainingSamples),
			fmt.Sprintf("%d", v.TestSamples),
			fmt.Sprintf("%.4f", v.Metrics.AUC),
			fmt.Sprintf("%.4f", v.Metrics.LogLoss),
			fmt.Sprintf("%.3f", v.Metrics.Accuracy),
			parent,
		)
	}
	table.Render()
	return nil
}

func showQuota() error {
	var statuses []struct {
		Source       string `json:"source"`
		MonthlyUsed  int64  `json:"monthly_used"`
		MonthlyLimit int    `json:"monthly_limit"`
		DailyUsed    int    `json:"daily_used"`
		DailyLimit   int    `json:"daily_limit"`
		MinuteUsed   int    `json:"minute_used"`
		MinuteLimit  int    `json:"minute_limit"`
		Blocked      bool   `json:"blocked"`
	}
	if err := fetch("/api/v1/quota", &statuses); err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no quota budgets configured")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Source", "Monthly", "Monthly %", "Daily", "Daily %", "Minute", "Blocked")
	for _, s := range statuses {
		table.Append(
			s.Source,
			fmt.Sprintf("%d/%s", s.MonthlyUsed, limitStr(s.MonthlyLimit)),
			pctStr(float64(s.MonthlyUsed), s.MonthlyLimit),
			fmt.Sprintf("%d/%s", s.DailyUsed, limitStr(s.DailyLimit)),
			pctStr(float64(s.DailyUsed), s.DailyLimit),
			fmt.Sprintf("%d/%s", s.MinuteUsed, limitStr(s.MinuteLimit)),
			fmt.Sprintf("%v", s.Blocked),
		)
	}
	table.Render()
	return nil
}

func pctStr(used float64, limit int) string {
	if limit == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", used/float64(limit)*100)
}

func limitStr(limit int) string {
	if limit == 0 {
		return "inf"
	}
	return fmt.Sprintf("%d", limit)
}

func showStatus() error {
	var status map[string]interface{}
	if err := fetch("/status", &status); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Value")
	for _, key := range []string{"match_id", "game_time", "model_version",
		"has_model", "queue_depth", "buffer_len", "ticks_ok", "ticks_deduped", "ws_clients"} {
		if v, ok := status[key]; ok {
			table.Append(key, fmt.Sprintf("%v", v))
		}
	}
	table.Render()
	return nil
}

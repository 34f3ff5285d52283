package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"
)

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Observability commands (query VictoriaMetrics)",
}

var vmsingleURL string

type VMResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Value  []interface{}     `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

var obsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show ingestion and delivery metrics",
	Run: func(cmd *cobra.Command, args []string) {
		runQueries(map[string]string{
			"Records/s":           `sum(rate(auditlog_records_total[5m]))`,
			"Task Success Rate":   `sum(rate(auditlog_task_total{status="succeeded"}[5m])) / sum(rate(auditlog_task_total[5m])) * 100`,
			"HTTP Request Rate":   `sum(rate(auditlog_http_requests_total[5m]))`,
			"Active Requests":     `sum(auditlog_active_requests)`,
			"Secondary Failures":  `sum(increase(auditlog_secondary_failures_total[1h]))`,
			"Dangling References": `sum(increase(auditlog_dangling_references_total[24h]))`,
		})
	},
}

var obsLatencyCmd = &cobra.Command{
	Use:   "latency",
	Short: "Show latency metrics",
	Run: func(cmd *cobra.Command, args []string) {
		runQueries(map[string]string{
			"HTTP P50": `histogram_quantile(0.5, sum(rate(auditlog_http_request_duration_seconds_bucket[5m])) by (le))`,
			"HTTP P95": `histogram_quantile(0.95, sum(rate(auditlog_http_request_duration_seconds_bucket[5m])) by (le))`,
			"HTTP P99": `histogram_quantile(0.99, sum(rate(auditlog_http_request_duration_seconds_bucket[5m])) by (le))`,
			"Task P95": `histogram_quantile(0.95, sum(rate(auditlog_task_duration_seconds_bucket[5m])) by (le))`,
		})
	},
}

var obsBufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Show write buffer metrics",
	Run: func(cmd *cobra.Command, args []string) {
		runQueries(map[string]string{
			"Pending":             `sum(auditlog_buffer_pending)`,
			"Flushes/s":           `sum(rate(auditlog_buffer_flush_total[5m]))`,
			"Flush Size P95":      `histogram_quantile(0.95, sum(rate(auditlog_buffer_flush_size_bucket[5m])) by (le))`,
			"Failed Records (1h)": `sum(increase(auditlog_buffer_failed_records_total[1h]))`,
		})
	},
}

var obsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Show reconciliation metrics",
	Run: func(cmd *cobra.Command, args []string) {
		runQueries(map[string]string{
			"Watermark Lag (s)": `time() - max(auditlog_backfill_watermark_seconds)`,
			"Active Jobs":       `sum(auditlog_reconciler_active_jobs)`,
			"Backfilled (24h)":  `sum(increase(auditlog_reconcile_records_total{job="backfill",outcome="created"}[24h]))`,
			"Migrated (24h)":    `sum(increase(auditlog_reconcile_records_total{job="migrate"}[24h]))`,
			"Lock Wait P95":     `histogram_quantile(0.95, sum(rate(auditlog_lock_wait_seconds_bucket[5m])) by (le))`,
		})
	},
}

func runQueries(queries map[string]string) {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, queryVM(vmsingleURL, queries[name]))
	}
}

func queryVM(baseURL, query string) string {
	resp, err := http.Get(baseURL + "/api/v1/query?query=" + url.QueryEscape(query))
	if err != nil {
		return "error: " + err.Error()
	}
	defer resp.Body.Close()

	var vmResp VMResponse
	if err := json.NewDecoder(resp.Body).Decode(&vmResp); err != nil {
		return "parse error"
	}

	if len(vmResp.Data.Result) == 0 {
		return "no data"
	}

	result := vmResp.Data.Result[0]
	if len(result.Value) >= 2 {
		return fmt.Sprintf("%v", result.Value[1])
	}
	return "no value"
}

func init() {
	obsCmd.PersistentFlags().StringVar(&vmsingleURL, "vm-url", "http://localhost:8428", "VictoriaMetrics URL")
	obsCmd.AddCommand(obsSummaryCmd, obsLatencyCmd, obsBufferCmd, obsReconcileCmd)
	rootCmd.AddCommand(obsCmd)
}

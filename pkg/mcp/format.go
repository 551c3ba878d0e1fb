package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/justdata/reportcache/pkg/models"
)

// formatSummary formats per-app usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %9s %8s %8s %8s %8s %12s %12s\n",
		"App", "Requests", "Hits", "Misses", "Failed", "Hit%", "Compute $", "Saved $")
	b.WriteString(strings.Repeat("-", 87) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-14s %9d %8d %8d %8d %7.1f%% %12.4f %12.4f\n",
			r.AppName, r.Requests, r.Hits, r.Misses, r.Failures,
			r.HitRate()*100, r.ComputeCost, r.CostSaved)
	}
	return b.String()
}

// formatUsageRecords formats ledger rows as a text table.
func formatUsageRecords(recs []models.UsageRecord) string {
	if len(recs) == 0 {
		return "No usage records found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-9s %-12s %9s %10s %10s  %s\n",
		"Time", "App", "Status", "Fingerprint", "Duration", "Compute $", "Saved $", "Error")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "%-20s %-12s %-9s %-12s %7dms %10.4f %10.4f  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.AppName, r.Status, r.Fingerprint.Short(), r.DurationMs,
			r.EstimatedComputeCost, r.EstimatedCostSaved, truncate(r.ErrorMessage, 40))
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	perEntry := float64(0)
	if stats.Entries > 0 {
		perEntry = float64(stats.Accesses) / float64(stats.Entries)
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:           %s\n"+
		"  Accesses:          %s\n"+
		"  Accesses / Entry:  %.1f\n",
		humanize.Comma(stats.Entries), humanize.Comma(stats.Accesses), perEntry)
}

// formatSections lists sections with their payload sizes.
func formatSections(secs []models.ResultSection) string {
	if len(secs) == 0 {
		return "No sections found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %5s %-24s %-22s %-14s %10s\n",
		"Result ID", "Order", "Name", "Type", "Category", "Size")
	b.WriteString(strings.Repeat("-", 118) + "\n")
	for _, s := range secs {
		size := 0
		if raw, err := models.PayloadJSON(s.Payload); err == nil {
			size = len(raw)
		}
		fmt.Fprintf(&b, "%-38s %5d %-24s %-22s %-14s %10s\n",
			s.ResultID, s.DisplayOrder, truncate(s.Name, 24), s.Type, s.Category,
			humanize.Bytes(uint64(size)))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

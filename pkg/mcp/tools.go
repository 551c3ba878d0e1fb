package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/justdata/reportcache/pkg/models"
)

// tool pairs a definition with its handler. A handler returns an RPCError
// for malformed arguments and an IsError result for everything else.
type tool struct {
	def  ToolDefinition
	call func(ctx context.Context, s *Server, args json.RawMessage) (ToolCallResult, *RPCError)
}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "reportcache_hit_rate",
			Description: "Show per-application request counts, cache hit rate, and estimated cost saved.",
			InputSchema: object(map[string]Property{
				"app":   {Type: "string", Description: "Filter by application, e.g. lendsight (optional)"},
				"since": dateProperty("Start date in YYYY-MM-DD format (optional, defaults to start of month)"),
			}),
		},
		call: handleHitRate,
	},
	{
		def: ToolDefinition{
			Name:        "reportcache_usage_search",
			Description: "Search the usage ledger by application, date range, cache hit flag, or fingerprint.",
			InputSchema: object(map[string]Property{
				"app":         {Type: "string", Description: "Filter by application (optional)"},
				"since":       dateProperty("Start date in YYYY-MM-DD format (optional)"),
				"until":       dateProperty("End date in YYYY-MM-DD format, exclusive (optional)"),
				"cache_hit":   {Type: "boolean", Description: "Only hits (true) or only non-hits (false) (optional)"},
				"fingerprint": {Type: "string", Description: "Filter by request fingerprint (optional)"},
				"limit":       {Type: "integer", Description: "Maximum rows to return (optional, default 50)"},
			}),
		},
		call: handleUsageSearch,
	},
	{
		def: ToolDefinition{
			Name:        "reportcache_cache_stats",
			Description: "Show cache index statistics (entries and total accesses).",
			InputSchema: object(nil),
		},
		call: handleCacheStats,
	},
	{
		def: ToolDefinition{
			Name:        "reportcache_sections",
			Description: "List stored report sections, either for one result or by section type.",
			InputSchema: object(map[string]Property{
				"result_id": {Type: "string", Description: "Result whose sections to list"},
				"type":      {Type: "string", Description: "Section type to search across results", Enum: sectionTypes()},
				"limit":     {Type: "integer", Description: "Maximum sections to return for a type search (optional, default 20)"},
			}),
		},
		call: handleSections,
	},
}

func object(props map[string]Property) Schema {
	if props == nil {
		props = map[string]Property{}
	}
	return Schema{Type: "object", Properties: props}
}

func dateProperty(desc string) Property {
	return Property{Type: "string", Description: desc}
}

func sectionTypes() []string {
	out := make([]string, len(models.SectionTypes))
	for i, t := range models.SectionTypes {
		out[i] = string(t)
	}
	return out
}

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func lookupTool(name string) (tool, bool) {
	for _, t := range tools {
		if t.def.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func beginningOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func handleHitRate(ctx context.Context, s *Server, raw json.RawMessage) (ToolCallResult, *RPCError) {
	var args HitRateArgs
	if rpcErr := decodeArgs(raw, &args); rpcErr != nil {
		return ToolCallResult{}, rpcErr
	}
	opts, err := args.QueryOpts(beginningOfMonth(s.now()))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	rows, err := s.ledger.Summary(ctx, opts)
	if err != nil {
		return errorResult("Error fetching hit rate: " + err.Error()), nil
	}
	return textResult(formatSummary(rows)), nil
}

func handleUsageSearch(ctx context.Context, s *Server, raw json.RawMessage) (ToolCallResult, *RPCError) {
	var args UsageSearchArgs
	if rpcErr := decodeArgs(raw, &args); rpcErr != nil {
		return ToolCallResult{}, rpcErr
	}
	opts, err := args.QueryOpts()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	recs, err := s.ledger.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching usage ledger: " + err.Error()), nil
	}
	return textResult(formatUsageRecords(recs)), nil
}

func handleCacheStats(ctx context.Context, s *Server, raw json.RawMessage) (ToolCallResult, *RPCError) {
	if rpcErr := decodeArgs(raw, &struct{}{}); rpcErr != nil {
		return ToolCallResult{}, rpcErr
	}
	if s.index == nil {
		return textResult("Cache index is not configured."), nil
	}
	stats, err := s.index.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error()), nil
	}
	return textResult(formatCacheStats(stats)), nil
}

func handleSections(ctx context.Context, s *Server, raw json.RawMessage) (ToolCallResult, *RPCError) {
	var args SectionsArgs
	if rpcErr := decodeArgs(raw, &args); rpcErr != nil {
		return ToolCallResult{}, rpcErr
	}
	if s.sections == nil {
		return textResult("Section store is not configured."), nil
	}

	switch {
	case args.ResultID != "":
		secs, err := s.sections.Fetch(ctx, args.ResultID)
		if errors.Is(err, models.ErrNotFound) {
			return textResult("No sections found for this result."), nil
		}
		if err != nil {
			return errorResult("Error fetching sections: " + err.Error()), nil
		}
		return textResult(formatSections(secs)), nil
	case args.Type != "":
		limit := args.Limit
		if limit <= 0 {
			limit = DefaultSectionLimit
		}
		secs, err := s.sections.ByType(ctx, models.SectionType(args.Type), limit)
		if err != nil {
			return errorResult("Error searching sections: " + err.Error()), nil
		}
		return textResult(formatSections(secs)), nil
	default:
		return ToolCallResult{}, invalidParams("result_id or type is required")
	}
}

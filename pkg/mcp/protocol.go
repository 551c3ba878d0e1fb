package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/justdata/reportcache/pkg/models"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverName      = "reportcache"
)

// JSON-RPC error codes returned by this server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. A request without an ID is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func success(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func failure(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    any        `json:"capabilities"`
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Schema is the subset of JSON Schema used to describe tool arguments.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
}

// Property describes one tool argument.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDefinition describes a tool in tools/list.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// ToolsListResult is the response to tools/list.
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolCallParams is the params object of tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the response to tools/call. Failures the tool itself
// reports set IsError; malformed calls get a JSON-RPC error instead.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a text content block.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodeArgs unmarshals tool arguments into dst, rejecting unknown fields.
// Absent or null arguments leave dst at its zero value.
func decodeArgs(raw json.RawMessage, dst any) *RPCError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams("invalid arguments: %v", err)
	}
	return nil
}

// HitRateArgs are the arguments of reportcache_hit_rate.
type HitRateArgs struct {
	App   string `json:"app"`
	Since string `json:"since"`
}

// QueryOpts maps the arguments onto a ledger query. An empty Since starts
// at defaultSince.
func (a HitRateArgs) QueryOpts(defaultSince time.Time) (models.UsageQueryOpts, error) {
	opts := models.UsageQueryOpts{AppName: a.App, Since: defaultSince}
	if a.Since != "" {
		t, err := parseDate("since", a.Since)
		if err != nil {
			return opts, err
		}
		opts.Since = t
	}
	return opts, nil
}

// UsageSearchArgs are the arguments of reportcache_usage_search.
type UsageSearchArgs struct {
	App         string `json:"app"`
	Since       string `json:"since"`
	Until       string `json:"until"`
	CacheHit    *bool  `json:"cache_hit"`
	Fingerprint string `json:"fingerprint"`
	Limit       int    `json:"limit"`
}

// DefaultUsageLimit caps usage search results when no limit is given.
const DefaultUsageLimit = 50

// QueryOpts maps the arguments onto a ledger query.
func (a UsageSearchArgs) QueryOpts() (models.UsageQueryOpts, error) {
	opts := models.UsageQueryOpts{
		AppName:     a.App,
		CacheHit:    a.CacheHit,
		Fingerprint: models.Fingerprint(a.Fingerprint),
		Limit:       a.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultUsageLimit
	}
	var err error
	if a.Since != "" {
		if opts.Since, err = parseDate("since", a.Since); err != nil {
			return opts, err
		}
	}
	if a.Until != "" {
		if opts.Until, err = parseDate("until", a.Until); err != nil {
			return opts, err
		}
	}
	if !opts.Since.IsZero() && !opts.Until.IsZero() && !opts.Since.Before(opts.Until) {
		return opts, fmt.Errorf("since (%s) must be before until (%s)", a.Since, a.Until)
	}
	return opts, nil
}

// SectionsArgs are the arguments of reportcache_sections. Exactly one of
// ResultID and Type is expected.
type SectionsArgs struct {
	ResultID string `json:"result_id"`
	Type     string `json:"type"`
	Limit    int    `json:"limit"`
}

// DefaultSectionLimit caps type searches when no limit is given.
const DefaultSectionLimit = 20

func parseDate(name, v string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s date (use YYYY-MM-DD): %w", name, err)
	}
	return t, nil
}

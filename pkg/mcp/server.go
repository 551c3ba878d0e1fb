package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justdata/reportcache/pkg/index"
	"github.com/justdata/reportcache/pkg/ledger"
	"github.com/justdata/reportcache/pkg/sections"
)

// maxLine bounds a single JSON-RPC message.
const maxLine = 1 << 20

// Options wires a Server. Ledger is required; a nil Index or Sections
// disables the tools that need them.
type Options struct {
	Ledger   *ledger.Ledger
	Index    *index.Index
	Sections *sections.Store
	Version  string
	Logger   *log.Logger
	// Now overrides the clock used for default date ranges.
	Now func() time.Time
}

// Server answers MCP requests over a line-delimited JSON-RPC stream. It
// exposes the usage ledger and cache analytics read-only.
type Server struct {
	ledger   *ledger.Ledger
	index    *index.Index
	sections *sections.Store
	version  string
	logger   *log.Logger
	now      func() time.Time
}

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Ledger == nil {
		return nil, errors.New("mcp: ledger is required")
	}
	s := &Server{
		ledger:   opts.Ledger,
		index:    opts.Index,
		sections: opts.Sections,
		version:  opts.Version,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("mcp")
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run serves requests read from r until r is exhausted or ctx is done.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, failure(nil, &RPCError{Code: CodeParseError, Message: "parse error"}))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return failure(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "invalid request"})
	}
	notification := len(req.ID) == 0

	var resp *Response
	switch req.Method {
	case "initialize":
		resp = success(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		resp = success(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		resp = s.callTool(ctx, req)
	default:
		resp = failure(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "unknown method: " + req.Method})
	}
	if notification {
		return nil
	}
	return resp
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return failure(req.ID, invalidParams("tools/call needs a tool name"))
	}
	t, ok := lookupTool(params.Name)
	if !ok {
		return failure(req.ID, invalidParams("unknown tool: %s", params.Name))
	}

	res, rpcErr := t.call(ctx, s, params.Arguments)
	if rpcErr != nil {
		s.logger.Debug("tool call rejected", "tool", params.Name, "err", rpcErr)
		return failure(req.ID, rpcErr)
	}
	return success(req.ID, res)
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "err", err)
		data, _ = json.Marshal(failure(resp.ID, &RPCError{Code: CodeInternalError, Message: "internal error"}))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

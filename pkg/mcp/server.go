// Package mcp exposes the ISR audit as a Model Context Protocol tool over
// stdio or HTTP.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/sameehj/sextant/pkg/agent"
	"github.com/sameehj/sextant/pkg/isr"
	"github.com/sameehj/sextant/pkg/store"
)

const (
	protocolVersion = "2024-11-05"
	// maxMessageSize bounds one JSON-RPC message on either transport.
	maxMessageSize = 1 << 20
)

// ErrMessageTooLarge is returned for a framed message above maxMessageSize.
var ErrMessageTooLarge = errors.New("mcp message too large")

// Auditor is implemented by *isr.Auditor.
type Auditor interface {
	Audit(ctx context.Context, auditContext, proposedDecision string) (isr.Result, error)
}

// Recorder persists audit records. *store.FileStore implements it.
type Recorder interface {
	Save(rec *store.Record) error
}

type Server struct {
	auditor  Auditor
	recorder Recorder
	version  string
	logger   *slog.Logger
}

func NewServer(auditor Auditor, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{auditor: auditor, version: version}
}

func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetRecorder enables persistence of every successful tool call.
func (s *Server) SetRecorder(r Recorder) {
	s.recorder = r
}

// Serve reads JSON-RPC messages until EOF or ctx is done. Replies use the
// framing of the request: Content-Length headers or one JSON object per line.
func (s *Server) Serve(ctx context.Context, reader io.Reader, writer io.Writer) error {
	bufReader := bufio.NewReader(reader)
	bufWriter := bufio.NewWriter(writer)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, framed, err := readMessage(bufReader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logError("mcp_read_failed", "error", err)
			return err
		}

		resp := s.handlePayload(ctx, payload)
		if resp == nil {
			continue
		}
		if err := writeMessage(bufWriter, resp, framed); err != nil {
			return err
		}
	}
}

func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP answers one JSON-RPC request per POST.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	resp := s.handlePayload(r.Context(), payload)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(resp, '\n'))
}

// handlePayload returns the encoded response, or nil for notifications.
func (s *Server) handlePayload(ctx context.Context, payload []byte) []byte {
	var req rpcRequest
	var resp *rpcResponse
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logWarn("mcp_parse_error", "error", err)
		resp = errorResponse(nil, codeParseError, "parse error", err.Error())
	} else {
		resp = s.dispatch(ctx, req)
	}
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse(req.ID, codeInvalidRequest, "encode failed", err.Error()))
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request", "missing method")
	}
	if req.ID == nil {
		// Notifications such as notifications/initialized get no reply.
		return nil
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "sextant",
				"version": s.version,
			},
		})
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, map[string]any{"tools": Tools()})
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid params", err.Error())
		}
		if params.Name != agent.AuditToolName {
			return errorResponse(req.ID, codeInvalidParams, "unknown tool", params.Name)
		}
		return resultResponse(req.ID, s.callAudit(ctx, params.Arguments))
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

// Tools lists the tools this server offers.
func Tools() []Tool {
	def := agent.AuditTool()
	return []Tool{{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema}}
}

// callAudit never reports a failed audit as approval: errors come back as a
// BLOQUEADO payload flagged isError.
func (s *Server) callAudit(ctx context.Context, args map[string]any) ToolResult {
	auditContext, _ := args["prompt_context"].(string)
	if auditContext == "" {
		auditContext, _ = args["context"].(string)
	}
	proposed, _ := args["proposed_decision"].(string)

	res, err := s.auditor.Audit(ctx, auditContext, proposed)
	if err != nil {
		s.logWarn("mcp_audit_failed", "error", err)
		return ToolResult{IsError: true, Content: []ToolContent{{Type: "text", Text: blockedPayload(err)}}}
	}

	out := map[string]any{
		"decision": res.Decision,
		"metrics":  res.Metrics,
		"reason":   res.Reason,
	}
	if s.recorder != nil {
		rec := store.NewRecord("mcp", auditContext, proposed, res)
		if err := s.recorder.Save(&rec); err != nil {
			s.logError("audit_record_failed", "error", err)
		} else {
			out["audit_id"] = rec.ID
		}
	}
	text, _ := json.Marshal(out)
	s.logInfo("mcp_audit_complete", "decision", res.Decision, "isr", res.Metrics.ISR)
	return ToolResult{Content: []ToolContent{{Type: "text", Text: string(text)}}}
}

func blockedPayload(err error) string {
	b, _ := json.Marshal(map[string]any{
		"decision": isr.Block,
		"metrics":  map[string]any{},
		"reason":   fmt.Sprintf("Audit failed: %v", err),
	})
	return string(b)
}

func resultResponse(id any, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id any, code int, message string, data any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

func writeMessage(w *bufio.Writer, payload []byte, framed bool) error {
	if framed {
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	} else {
		if _, err := w.Write(append(payload, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readMessage accepts a bare JSON line or a Content-Length framed body.
func readMessage(r *bufio.Reader) ([]byte, bool, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil && len(line) == 0 {
			return nil, false, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) == "" {
			if err != nil {
				return nil, false, err
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(trimmed), "{") {
			return []byte(trimmed), false, nil
		}

		contentLength, parseErr := headerLength(trimmed)
		if parseErr != nil {
			return nil, true, parseErr
		}
		for {
			headerLine, readErr := r.ReadString('\n')
			if readErr != nil && len(headerLine) == 0 {
				return nil, true, readErr
			}
			header := strings.TrimRight(headerLine, "\r\n")
			if header == "" {
				break
			}
			n, parseErr := headerLength(header)
			if parseErr != nil {
				return nil, true, parseErr
			}
			if n > 0 {
				contentLength = n
			}
		}
		if contentLength <= 0 {
			return nil, true, fmt.Errorf("missing Content-Length")
		}
		if contentLength > maxMessageSize {
			return nil, true, fmt.Errorf("%w: Content-Length %d", ErrMessageTooLarge, contentLength)
		}

		payload := make([]byte, contentLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, true, err
		}
		return payload, true, nil
	}
}

// headerLength returns 0 for headers other than Content-Length.
func headerLength(header string) (int, error) {
	name, value, ok := strings.Cut(header, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-length") {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

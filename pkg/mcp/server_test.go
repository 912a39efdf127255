package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sameehj/sextant/pkg/isr"
	"github.com/sameehj/sextant/pkg/store"
)

type stubAuditor struct {
	result isr.Result
	err    error
	calls  int
}

func (s *stubAuditor) Audit(_ context.Context, auditContext, proposedDecision string) (isr.Result, error) {
	s.calls++
	if strings.TrimSpace(auditContext) == "" || strings.TrimSpace(proposedDecision) == "" {
		return isr.Result{}, fmt.Errorf("%w: blank input", isr.ErrInvalidArgument)
	}
	return s.result, s.err
}

type memRecorder struct{ saved []store.Record }

func (m *memRecorder) Save(rec *store.Record) error {
	m.saved = append(m.saved, *rec)
	return nil
}

func approved() isr.Result {
	return isr.Result{Decision: isr.Approve, Path: isr.PathShortcut, Reason: "High confidence", Metrics: isr.Metrics{ISR: 999}}
}

func serveLines(t *testing.T, srv *Server, lines ...string) []rpcResponse {
	t.Helper()
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resps []rpcResponse
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r rpcResponse
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad response line %q: %v", sc.Text(), err)
		}
		resps = append(resps, r)
	}
	return resps
}

func TestServeInitializeAndList(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubAuditor{}, "1.2.3")
	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses (notification ignored), got %d", len(resps))
	}
	info := resps[0].Result.(map[string]any)["serverInfo"].(map[string]any)
	if info["version"] != "1.2.3" {
		t.Fatalf("serverInfo = %v", info)
	}
	tools := resps[1].Result.(map[string]any)["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "audit" {
		t.Fatalf("tools = %v", tools)
	}
}

func TestServeToolsCallAudits(t *testing.T) {
	t.Parallel()

	aud := &stubAuditor{result: approved()}
	rec := &memRecorder{}
	srv := NewServer(aud, "")
	srv.SetRecorder(rec)
	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"audit","arguments":{"prompt_context":"score 750","proposed_decision":"APROVADO"}}}`,
	)
	if len(resps) != 1 || resps[0].Error != nil {
		t.Fatalf("unexpected responses %+v", resps)
	}
	result := resps[0].Result.(map[string]any)
	if result["isError"] == true {
		t.Fatalf("audit flagged as error")
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if payload["decision"] != "APROVADO" || payload["audit_id"] == nil {
		t.Fatalf("payload = %v", payload)
	}
	if len(rec.saved) != 1 || rec.saved[0].Origin != "mcp" {
		t.Fatalf("record not saved: %+v", rec.saved)
	}
}

func TestServeToolsCallBlankArgsBlocks(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubAuditor{result: approved()}, "")
	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"audit","arguments":{"prompt_context":" "}}}`,
	)
	result := resps[0].Result.(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected isError, got %v", result)
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, `"BLOQUEADO"`) {
		t.Fatalf("expected blocked payload, got %s", text)
	}
}

func TestServeErrors(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubAuditor{}, "")
	resps := serveLines(t, srv,
		`{not json`,
		`{"jsonrpc":"2.0","id":4,"method":"shell.exec"}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"exec"}}`,
	)
	want := []int{codeParseError, codeMethodNotFound, codeInvalidParams}
	if len(resps) != len(want) {
		t.Fatalf("got %d responses", len(resps))
	}
	for i, code := range want {
		if resps[i].Error == nil || resps[i].Error.Code != code {
			t.Fatalf("response %d = %+v, want code %d", i, resps[i], code)
		}
	}
}

func TestServeContentLengthFraming(t *testing.T) {
	t.Parallel()

	body := `{"jsonrpc":"2.0","id":7,"method":"ping"}`
	in := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	var out bytes.Buffer
	if err := NewServer(&stubAuditor{}, "").Serve(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Content-Length: ") {
		t.Fatalf("reply not framed: %q", out.String())
	}
	_, payload, _ := strings.Cut(out.String(), "\r\n\r\n")
	var resp rpcResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if resp.ID != float64(7) || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServeRejectsOversizedContentLength(t *testing.T) {
	t.Parallel()

	in := "Content-Length: 9999999999\r\n\r\n{}"
	var out bytes.Buffer
	err := NewServer(&stubAuditor{}, "").Serve(context.Background(), strings.NewReader(in), &out)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected reply %q", out.String())
	}
}

func TestServeHTTP(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubAuditor{result: approved()}, "")
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"audit","arguments":{"context":"c","proposed_decision":"YES"}}}`
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "APROVADO") {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rr.Code)
	}
}

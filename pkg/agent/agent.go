// Package agent runs the compliance conversation: the model analyses a user
// request, must call the audit tool before deciding, and then answers with the
// audit result in view.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sameehj/sextant/pkg/isr"
)

// State is a step of the compliance loop.
type State string

const (
	StateIdle          State = "idle"
	StateAnalysis      State = "analysis"
	StateAudit         State = "audit"
	StateFinalResponse State = "final_response"
)

const (
	DefaultMaxIterations = 20
	defaultCallTimeout   = 90 * time.Second
	defaultMaxTokens     = 1024
)

// ErrIterationLimit is returned when one request cycles through more states
// than the configured limit.
var ErrIterationLimit = errors.New("agent exceeded iteration limit")

// Auditor is the ISR audit capability. *isr.Auditor implements it.
type Auditor interface {
	Audit(ctx context.Context, auditContext, proposedDecision string) (isr.Result, error)
}

type Options struct {
	MaxIterations int
	CallTimeout   time.Duration
	MaxTokens     int
	// OnAudit is called after every audit tool execution.
	OnAudit func(AuditOutcome)
}

// AuditOutcome records one audit tool call.
type AuditOutcome struct {
	ToolCallID       string      `json:"tool_call_id"`
	Context          string      `json:"prompt_context"`
	ProposedDecision string      `json:"proposed_decision"`
	Result           *isr.Result `json:"result,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// Turn is the outcome of one Handle call.
type Turn struct {
	Answer      string         `json:"answer"`
	Audits      []AuditOutcome `json:"audits,omitempty"`
	Transitions []State        `json:"transitions"`
}

// Agent holds the conversation across requests. Handle calls are serialized.
type Agent struct {
	llm     LLMClient
	auditor Auditor
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	history []CompletionMessage
}

func New(llm LLMClient, auditor Auditor, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Agent{llm: llm, auditor: auditor, opts: opts, state: StateIdle}
}

func (a *Agent) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// State reports the current step. It is StateIdle between requests.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []CompletionMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CompletionMessage(nil), a.history...)
}

// Reset clears the conversation.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.state = StateIdle
}

// Handle runs one user request through analysis, audit and final response.
// On error the conversation is rolled back to before the request.
func (a *Agent) Handle(ctx context.Context, query string) (Turn, error) {
	if strings.TrimSpace(query) == "" {
		return Turn{}, errors.New("query is empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	checkpoint := len(a.history)
	a.history = append(a.history, TextMessage("user", query))

	turn, err := a.run(ctx)
	if err != nil {
		a.history = a.history[:checkpoint]
	}
	a.transition(&turn, StateIdle)
	return turn, err
}

func (a *Agent) run(ctx context.Context) (Turn, error) {
	var (
		turn    Turn
		pending []ToolCall
	)
	a.transition(&turn, StateAnalysis)
	for i := 0; i < a.opts.MaxIterations; i++ {
		switch a.state {
		case StateAnalysis:
			resp, err := a.complete(ctx, analysisSystemPrompt, []ToolDefinition{AuditTool()})
			if err != nil {
				return turn, fmt.Errorf("analysis: %w", err)
			}
			a.appendAssistant(resp)
			if len(resp.ToolCalls) == 0 {
				if strings.TrimSpace(resp.Content) != "" {
					turn.Answer = resp.Content
					return turn, nil
				}
				a.transition(&turn, StateFinalResponse)
				continue
			}
			pending = resp.ToolCalls
			a.transition(&turn, StateAudit)

		case StateAudit:
			results := make([]ContentBlock, 0, len(pending))
			for _, call := range pending {
				block, outcome := a.executeTool(ctx, call)
				results = append(results, block)
				if outcome != nil {
					turn.Audits = append(turn.Audits, *outcome)
					if a.opts.OnAudit != nil {
						a.opts.OnAudit(*outcome)
					}
				}
			}
			pending = nil
			a.history = append(a.history, CompletionMessage{Role: "user", Content: results})
			if err := ctx.Err(); err != nil {
				return turn, err
			}
			a.transition(&turn, StateFinalResponse)

		case StateFinalResponse:
			resp, err := a.complete(ctx, finalSystemPrompt, nil)
			if err != nil {
				return turn, fmt.Errorf("final response: %w", err)
			}
			a.appendAssistant(resp)
			turn.Answer = resp.Content
			return turn, nil

		default:
			return turn, fmt.Errorf("unexpected state %q", a.state)
		}
	}
	a.logWarn("agent_iteration_limit", "limit", a.opts.MaxIterations)
	return turn, ErrIterationLimit
}

func (a *Agent) complete(ctx context.Context, system string, tools []ToolDefinition) (*CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	return a.llm.Complete(callCtx, CompletionRequest{
		System:    system,
		Messages:  a.history,
		Tools:     tools,
		MaxTokens: a.opts.MaxTokens,
	})
}

func (a *Agent) appendAssistant(resp *CompletionResponse) {
	blocks := resp.Blocks
	if len(blocks) == 0 {
		if resp.Content == "" {
			return
		}
		blocks = []ContentBlock{{Type: "text", Text: resp.Content}}
	}
	a.history = append(a.history, CompletionMessage{Role: "assistant", Content: blocks})
}

// executeTool runs one tool call. Any failure yields a BLOQUEADO result so an
// error can never read as approval.
func (a *Agent) executeTool(ctx context.Context, call ToolCall) (ContentBlock, *AuditOutcome) {
	block := ContentBlock{Type: "tool_result", ToolUseID: call.ID}
	if call.Name != AuditToolName {
		block.IsError = true
		block.Content = []ContentBlock{{Type: "text", Text: fmt.Sprintf("unknown tool %q", call.Name)}}
		return block, nil
	}

	outcome := &AuditOutcome{ToolCallID: call.ID}
	outcome.Context, _ = call.Input["prompt_context"].(string)
	outcome.ProposedDecision, _ = call.Input["proposed_decision"].(string)

	var text string
	if call.Input == nil {
		outcome.Error = "tool arguments could not be parsed"
		text = blockedJSON("Error parsing tool arguments")
	} else if res, err := a.auditor.Audit(ctx, outcome.Context, outcome.ProposedDecision); err != nil {
		outcome.Error = err.Error()
		text = blockedJSON(auditErrorReason(err))
		a.logWarn("audit_tool_failed", "tool_call_id", call.ID, "error", err)
	} else {
		outcome.Result = &res
		b, _ := json.Marshal(res)
		text = string(b)
		a.logInfo("audit_tool_complete", "tool_call_id", call.ID, "decision", res.Decision, "isr", res.Metrics.ISR)
	}
	block.Content = []ContentBlock{{Type: "text", Text: text}}
	return block, outcome
}

func auditErrorReason(err error) string {
	switch {
	case errors.Is(err, isr.ErrInvalidArgument):
		return "Invalid arguments: " + err.Error()
	case errors.Is(err, isr.ErrTimeout):
		return "Audit timed out: " + err.Error()
	default:
		return "Unexpected error: " + err.Error()
	}
}

func blockedJSON(reason string) string {
	b, _ := json.Marshal(map[string]any{
		"decision": isr.Block,
		"metrics":  map[string]any{},
		"reason":   reason,
	})
	return string(b)
}

func (a *Agent) transition(turn *Turn, next State) {
	if a.state != next {
		a.logDebug("state_transition", "from", a.state, "to", next)
	}
	a.state = next
	turn.Transitions = append(turn.Transitions, next)
}

func (a *Agent) logDebug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}

func (a *Agent) logInfo(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Agent) logWarn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

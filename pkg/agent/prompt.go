package agent

// AuditToolName is the tool the analysis step must call before deciding.
const AuditToolName = "audit"

const analysisSystemPrompt = `You are a Compliance Agent specialized in fact verification and decision auditing.

CRITICAL RULES:
1. You MUST NOT make final decisions (APPROVE/REJECT/APROVADO/BLOQUEADO) without using the 'audit' tool first.
2. For ANY request that requires a decision or fact verification, you MUST call the 'audit' tool.
3. The 'audit' tool performs semantic ISR (Information Sufficiency Ratio) analysis to detect hallucinations.
4. Only AFTER the audit tool returns its result, you can provide the final answer to the user.
5. If the user asks a simple question that doesn't require auditing, you may respond directly.

When calling the audit tool:
- prompt_context: The original user query/question and any relevant context
- proposed_decision: Your proposed decision token (e.g., "APROVADO", "BLOQUEADO", "APPROVE", "REJECT")`

const finalSystemPrompt = `You are a Compliance Agent providing final responses to users.
You have access to audit results from the ISR (Information Sufficiency Ratio) semantic analysis tool.
Interpret the audit result clearly, explain the decision in plain language and include the relevant
metrics (ISR, minimum permutation probability) when appropriate. The audit result is in the
conversation as a tool response.`

// ProposedDecisions is the enum the audit tool accepts.
var ProposedDecisions = []string{"APROVADO", "BLOQUEADO", "APPROVE", "REJECT", "YES", "NO"}

// AuditTool describes the ISR audit to the model.
func AuditTool() ToolDefinition {
	enum := make([]any, 0, len(ProposedDecisions))
	for _, d := range ProposedDecisions {
		enum = append(enum, d)
	}
	return ToolDefinition{
		Name: AuditToolName,
		Description: "Audits a proposed decision using ISR (Information Sufficiency Ratio) semantic analysis. " +
			"Detects hallucinations and verifies whether the decision is supported by the context. " +
			"Always use this tool before making any final decision.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt_context": map[string]any{
					"type":        "string",
					"description": "The original user question and all relevant context to audit.",
				},
				"proposed_decision": map[string]any{
					"type":        "string",
					"description": "The decision token to verify before answering.",
					"enum":        enum,
				},
			},
			"required": []any{"prompt_context", "proposed_decision"},
		},
	}
}

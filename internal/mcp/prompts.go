package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// debug-trace: walks the assistant through diagnosing one trace.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("debug-trace",
			mcplib.WithPromptDescription("Diagnose what happened in a recorded trace"),
			mcplib.WithArgument("trace_id",
				mcplib.ArgumentDescription("The trace to diagnose"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDebugTracePrompt,
	)
}

func (s *Server) handleDebugTracePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	traceID := request.Params.Arguments["trace_id"]
	if traceID == "" {
		return nil, fmt.Errorf("trace_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Diagnose trace %s", traceID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Diagnose trace %[1]s:

1. CALL kansoku_trace_summary with trace_id="%[1]s" to see the user input,
   the final output and any recorded error.

2. CALL kansoku_span_tree with trace_id="%[1]s" to see how the spans nest.
   Look for the span whose output first diverges from what the input asked for.

3. If the trace failed, find the outermost span carrying an error. Inner spans
   with errors that were retried or caught matter less.

4. Report the likely cause in two or three sentences, naming the span_id.`, traceID),
				},
			},
		},
	}, nil
}

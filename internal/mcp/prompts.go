package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-domain walks through diagnosing one remote domain before acting on it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-domain",
			mcplib.WithPromptDescription("Diagnose a remote domain's federation problems before changing its state"),
			mcplib.WithArgument("domain",
				mcplib.ArgumentDescription("The remote domain to triage, e.g. social.example"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)

	// severance-recovery walks through reviewing and reconnecting open severances.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("severance-recovery",
			mcplib.WithPromptDescription("Review open severed relationships and reconnect the reversible ones"),
			mcplib.WithArgument("instance",
				mcplib.ArgumentDescription("Optional remote instance to restrict the review to"),
			),
		),
		s.handleRecoveryPrompt,
	)
}

func (s *Server) handleTriagePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	domain := request.Params.Arguments["domain"]
	if domain == "" {
		return nil, fmt.Errorf("domain argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage federation with %s", domain),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Triage federation with %[1]s:

1. CALL kizuna_status with domain="%[1]s". Note the state and the reason
   for the last change.

2. CALL kizuna_health with domain="%[1]s". Read the issues and the
   recommended actions.

3. CALL kizuna_costs with domain="%[1]s" to see whether spend is driving
   the problem.

4. DECIDE, preferring the least disruptive action that fixes the problem:
   - Transient slowness or errors: do nothing; ERROR recovers on its own.
   - Runaway cost: kizuna_pause with an until time.
   - Abuse or a moderation policy violation: kizuna_block. Only set
     policy_violation for moderation blocks; those can never be reconnected.

5. EXPLAIN what you changed and why, quoting the figures you relied on.`, domain),
				},
			},
		},
	}, nil
}

func (s *Server) handleRecoveryPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	scope := "every remote instance"
	call := "kizuna_severances with open_only=true"
	if instance := request.Params.Arguments["instance"]; instance != "" {
		scope = instance
		call = fmt.Sprintf(`kizuna_severances with instance="%s" and open_only=true`, instance)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Recover severed relationships with %s", scope),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Recover severed follow relationships with %s:

1. CALL %s.

2. SKIP records where reversible is false. They were policy blocks.

3. For each remaining record, CALL kizuna_status for its remote_instance.
   Reconnection is refused while the domain is BLOCKED. Skip those
   unless the operator asks to lift the block first.

4. CALL kizuna_reconnect for each record whose domain is ACTIVE.

5. REPORT how many edges were reconnected and which records still failed.`, scope, call),
				},
			},
		},
	}, nil
}

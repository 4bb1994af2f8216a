package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kizuna/internal/model"
)

func (s *Server) registerTools() {
	// kizuna_status: federation state of one or all domains.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_status",
			mcplib.WithDescription(`Read the federation state of a remote domain, or of every known domain.

WHEN TO USE: Before pausing, resuming or blocking a domain, and whenever you
need to know why deliveries to a domain are failing.

WHAT YOU GET BACK: state (ACTIVE, LIMITED, PAUSED, BLOCKED, ERROR), the
reason for the last change, live health and month-to-date spend.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("domain",
				mcplib.Description("Remote domain, e.g. social.example. Omit to list every known domain."),
			),
		),
		s.handleStatus,
	)

	// kizuna_health: health reports, optionally probing one domain.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_health",
			mcplib.WithDescription(`Read instance health reports.

With a domain, the domain is probed when no report exists yet. Without one,
every domain with a report is returned; min_score keeps only domains whose
score is at or below it (0-1, lower is worse).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("domain", mcplib.Description("Remote domain to report on")),
			mcplib.WithNumber("min_score",
				mcplib.Description("Only return domains scoring at or below this"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleHealth,
	)

	// kizuna_costs: spend breakdown and projections.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_costs",
			mcplib.WithDescription(`Read federation spend: the breakdown by operation for the current bucket
of a period, and projections to the end of it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("domain", mcplib.Description("Restrict the breakdown to one domain")),
			mcplib.WithString("period",
				mcplib.Description("Bucket period"),
				mcplib.Enum(string(model.PeriodHour), string(model.PeriodDay), string(model.PeriodMonth)),
				mcplib.DefaultString(string(model.PeriodMonth)),
			),
		),
		s.handleCosts,
	)

	// kizuna_severances: severed follow relationships.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_severances",
			mcplib.WithDescription(`List severed follow relationships between this instance and remote ones.

Open records are neither acknowledged nor successfully reconnected. Only
reversible records can be reconnected with kizuna_reconnect.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("instance", mcplib.Description("Only records for this remote instance")),
			mcplib.WithBoolean("open_only", mcplib.Description("Only open records"), mcplib.DefaultBool(true)),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum records to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleSeverances,
	)

	// kizuna_pause: pause delivery to a domain.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_pause",
			mcplib.WithDescription(`Pause delivery to a remote domain. Pausing a paused domain changes nothing.

Give until (RFC 3339) for a pause that lifts itself.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("domain", mcplib.Description("Remote domain"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why delivery is paused"), mcplib.Required()),
			mcplib.WithString("until", mcplib.Description("Optional RFC 3339 time the pause lifts")),
		),
		s.handlePause,
	)

	// kizuna_resume: resume a paused or limited domain.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_resume",
			mcplib.WithDescription("Resume delivery to a PAUSED or LIMITED domain."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("domain", mcplib.Description("Remote domain"), mcplib.Required()),
		),
		s.handleResume,
	)

	// kizuna_block: block a domain and record the severance.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_block",
			mcplib.WithDescription(`Block a remote domain and record the severed relationships.

Set policy_violation only for moderation blocks: those severances can never
be reconnected.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("domain", mcplib.Description("Remote domain"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why the domain is blocked"), mcplib.Required()),
			mcplib.WithBoolean("policy_violation", mcplib.Description("Block for a moderation policy violation")),
		),
		s.handleBlock,
	)

	// kizuna_reconnect: retry severed follow edges.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_reconnect",
			mcplib.WithDescription("Re-establish the follow edges of a reversible severed relationship."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("severance_id", mcplib.Description("Severed relationship id"), mcplib.Required()),
		),
		s.handleReconnect,
	)

	// kizuna_optimize: propose or apply cost reductions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kizuna_optimize",
			mcplib.WithDescription(`Propose cost-reduction actions for domains projected to spend more than
threshold_usd this month. With execute=true the actions are applied.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("threshold_usd", mcplib.Description("Projected monthly spend floor"), mcplib.Required(), mcplib.Min(0)),
			mcplib.WithBoolean("execute", mcplib.Description("Apply the actions instead of only proposing them")),
		),
		s.handleOptimize,
	)
}

// engineError turns an engine error into a tool error result. Validation
// and state errors are returned to the agent; anything else is logged.
func (s *Server) engineError(op string, err error) *mcplib.CallToolResult {
	code := model.ErrorCode(err)
	if code == model.ErrCodeInternalError {
		s.logger.Error("mcp: tool failed", "tool", op, "error", err)
		return errorResult(op + " failed")
	}
	return errorResult(fmt.Sprintf("%s: %s", code, err.Error()))
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	domain := request.GetString("domain", "")
	if domain == "" {
		statuses := s.engine.FederationStatuses(ctx)
		out := make([]map[string]any, len(statuses))
		for i, st := range statuses {
			out[i] = compactStatus(st)
		}
		return jsonResult(map[string]any{"domains": out, "total": len(out)})
	}

	st, err := s.engine.FederationStatus(ctx, domain)
	if err != nil {
		return s.engineError("kizuna_status", err), nil
	}
	s.inspected.Record(callerID(ctx), st.Domain)
	return jsonResult(compactStatus(st))
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if domain := request.GetString("domain", ""); domain != "" {
		r, err := s.engine.InstanceHealthReport(ctx, domain)
		if err != nil {
			return s.engineError("kizuna_health", err), nil
		}
		s.inspected.Record(callerID(ctx), r.Domain)
		return jsonResult(compactHealth(r))
	}

	var threshold *float64
	if args := request.GetArguments(); args["min_score"] != nil {
		v := request.GetFloat("min_score", 0)
		threshold = &v
	}
	reports, err := s.engine.FederationHealth(threshold)
	if err != nil {
		return s.engineError("kizuna_health", err), nil
	}
	out := make([]map[string]any, len(reports))
	for i, r := range reports {
		out[i] = compactHealth(r)
	}
	return jsonResult(map[string]any{"reports": out, "total": len(out)})
}

func (s *Server) handleCosts(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	period, err := model.ParseCostPeriod(request.GetString("period", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	var domain *string
	if raw := request.GetString("domain", ""); raw != "" {
		d, err := model.NormalizeDomain(raw)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		domain = &d
	}
	breakdown, err := s.engine.CostBreakdown(domain, period)
	if err != nil {
		return s.engineError("kizuna_costs", err), nil
	}
	projections, err := s.engine.CostProjections(period)
	if err != nil {
		return s.engineError("kizuna_costs", err), nil
	}
	if domain != nil {
		only := projections[:0]
		for _, p := range projections {
			if p.Domain == *domain {
				only = append(only, p)
			}
		}
		projections = only
	}
	return jsonResult(map[string]any{"breakdown": breakdown, "projections": projections})
}

func (s *Server) handleSeverances(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var instance *string
	if i := request.GetString("instance", ""); i != "" {
		instance = &i
	}
	limit := request.GetInt("limit", 20)
	list, info, err := s.engine.SeveredRelationships(instance, request.GetBool("open_only", true), model.Page{First: limit})
	if err != nil {
		return s.engineError("kizuna_severances", err), nil
	}
	out := make([]map[string]any, len(list))
	for i, rec := range list {
		out[i] = compactSeverance(rec)
	}
	return jsonResult(map[string]any{"severances": out, "total": len(out), "has_more": info.HasNextPage})
}

func (s *Server) handlePause(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireWriter(ctx); denied != nil {
		return denied, nil
	}
	domain := request.GetString("domain", "")
	reason := request.GetString("reason", "")
	if domain == "" || reason == "" {
		return errorResult("domain and reason are required"), nil
	}
	var until *time.Time
	if raw := request.GetString("until", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResult("until must be an RFC 3339 time"), nil
		}
		until = &t
	}

	st, err := s.engine.PauseFederation(ctx, domain, reason, until)
	if err != nil {
		return s.engineError("kizuna_pause", err), nil
	}
	return s.withNudge(ctx, st.Domain, "kizuna_pause", compactStatus(st))
}

func (s *Server) handleResume(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireWriter(ctx); denied != nil {
		return denied, nil
	}
	domain := request.GetString("domain", "")
	if domain == "" {
		return errorResult("domain is required"), nil
	}
	st, err := s.engine.ResumeFederation(ctx, domain)
	if err != nil {
		return s.engineError("kizuna_resume", err), nil
	}
	return jsonResult(compactStatus(st))
}

func (s *Server) handleBlock(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireWriter(ctx); denied != nil {
		return denied, nil
	}
	domain := request.GetString("domain", "")
	reason := request.GetString("reason", "")
	if domain == "" || reason == "" {
		return errorResult("domain and reason are required"), nil
	}

	p, err := s.engine.BlockFederation(ctx, domain, model.BlockRequest{
		Reason:          reason,
		PolicyViolation: request.GetBool("policy_violation", false),
	})
	if err != nil && p.Status.Domain == "" {
		return s.engineError("kizuna_block", err), nil
	}
	out := map[string]any{"status": compactStatus(p.Status)}
	if p.Severance != nil {
		out["severance"] = compactSeverance(*p.Severance)
	}
	if err != nil {
		// The block holds; only the severance record is missing.
		s.logger.Warn("mcp: block without severance record", "domain", p.Status.Domain, "error", err)
		out["warning"] = "blocked, but the severance could not be recorded"
	}
	return s.withNudge(ctx, p.Status.Domain, "kizuna_block", out)
}

func (s *Server) handleReconnect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireWriter(ctx); denied != nil {
		return denied, nil
	}
	id := request.GetString("severance_id", "")
	if id == "" {
		return errorResult("severance_id is required"), nil
	}
	p, err := s.engine.AttemptReconnection(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotReversible) {
			return errorResult("this severance was a policy block and cannot be reconnected"), nil
		}
		return s.engineError("kizuna_reconnect", err), nil
	}
	return jsonResult(p)
}

func (s *Server) handleOptimize(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	execute := request.GetBool("execute", false)
	if execute {
		if denied := requireWriter(ctx); denied != nil {
			return denied, nil
		}
	}
	res, err := s.engine.OptimizeFederationCosts(ctx, request.GetFloat("threshold_usd", 0), execute)
	if err != nil {
		return s.engineError("kizuna_optimize", err), nil
	}
	return jsonResult(res)
}

// withNudge appends a reminder when the caller changed a domain it did not
// inspect recently. The change has already happened.
func (s *Server) withNudge(ctx context.Context, domain, tool string, v any) (*mcplib.CallToolResult, error) {
	res, err := jsonResult(v)
	if err != nil {
		return nil, err
	}
	if id := callerID(ctx); id != "" && !s.inspected.WasInspected(id, domain) {
		res.Content = append(res.Content, mcplib.TextContent{
			Type: "text",
			Text: fmt.Sprintf("NOTE: %s was called for %s without a recent kizuna_status or kizuna_health read. "+
				"Check a domain's state before changing it.", tool, domain),
		})
	}
	return res, nil
}

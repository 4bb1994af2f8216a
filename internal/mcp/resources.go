package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kizuna/internal/model"
)

const (
	uriFederation = "kizuna://federation"
	uriSeverances = "kizuna://severances/open"
	uriBudgets    = "kizuna://budgets/exceeded"
	historyPrefix = "kizuna://federation/"
	historySuffix = "/history"
)

func (s *Server) registerResources() {
	// Every known domain's current federation status.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriFederation,
			"Federation",
			mcplib.WithResourceDescription("Federation state of every known remote domain"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFederationResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriSeverances,
			"Open Severances",
			mcplib.WithResourceDescription("Severed relationships that are neither acknowledged nor reconnected"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSeverancesResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriBudgets,
			"Exceeded Budgets",
			mcplib.WithResourceDescription("Domains whose month-to-date spend reached their budget"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBudgetsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			historyPrefix+"{domain}"+historySuffix,
			"Federation History",
			mcplib.WithTemplateDescription("State transitions of one domain, newest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleHistoryResource,
	)
}

func (s *Server) handleFederationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	statuses := s.engine.FederationStatuses(ctx)
	out := make([]map[string]any, len(statuses))
	for i, st := range statuses {
		out[i] = compactStatus(st)
	}
	return jsonResource(request.Params.URI, out)
}

func (s *Server) handleSeverancesResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	list, _, err := s.engine.SeveredRelationships(nil, true, model.Page{First: 100})
	if err != nil {
		return nil, fmt.Errorf("mcp: open severances: %w", err)
	}
	out := make([]map[string]any, len(list))
	for i, rec := range list {
		out[i] = compactSeverance(rec)
	}
	return jsonResource(request.Params.URI, out)
}

func (s *Server) handleBudgetsResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	exceeded := true
	return jsonResource(request.Params.URI, s.engine.InstanceBudgets(&exceeded))
}

func (s *Server) handleHistoryResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	domain, ok := historyDomain(request.Params.URI)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid federation history URI: %s", request.Params.URI)
	}
	hist, err := s.engine.FederationHistory(domain, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: federation history: %w", err)
	}
	return jsonResource(request.Params.URI, map[string]any{
		"domain":      domain,
		"transitions": hist,
	})
}

// historyDomain extracts the domain from kizuna://federation/{domain}/history.
func historyDomain(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, historyPrefix)
	if !ok {
		return "", false
	}
	domain, ok := strings.CutSuffix(rest, historySuffix)
	if !ok || domain == "" || strings.Contains(domain, "/") {
		return "", false
	}
	return domain, true
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

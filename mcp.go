package ucti

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/ucti/internal/kit"
	"github.com/hazyhaar/ucti/internal/search"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the ucti tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerSearch(srv)
	svc.registerIoCs(srv)
	svc.registerHealthcheck(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func mcpCtx(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

func (svc *Service) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
	}
	type match struct {
		User    string   `json:"user"`
		Source  string   `json:"source"`
		URL     string   `json:"url"`
		Created string   `json:"created"`
		Score   int      `json:"score"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	type resp struct {
		Query   string  `json:"query"`
		Matches []match `json:"matches"`
	}

	tool := &mcp.Tool{
		Name:        "ucti_search",
		Description: "Search aggregated threat-intel posts. Supports inline commands (!age:30, !from:YYYY-MM-DD, !to:YYYY-MM-DD, !strict, !count:N) and the selectors user:<prefix>, source:<prefix>",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query, e.g. 'emotet loader !age:30'"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		res, err := svc.engine.Search(ctx, p.Query)
		if err != nil {
			return nil, err
		}
		out := resp{Query: res.Query, Matches: make([]match, 0, len(res.Matches))}
		for _, m := range res.Matches {
			tags, err := svc.store.TagsForPost(ctx, m.Post.ID)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(tags))
			for _, tag := range tags {
				names = append(names, tag.Name)
			}
			content := m.Post.ContentMD
			if content == "" {
				content = m.Post.ContentTxt
			}
			out.Matches = append(out.Matches, match{
				User:    m.Post.User,
				Source:  m.Post.Source,
				URL:     m.Post.URL,
				Created: m.Post.Created().Format(time.RFC3339),
				Score:   m.Score,
				Content: content,
				Tags:    names,
			})
		}
		return out, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(svc.logger, "ucti_search")(endpoint), decode)
}

func (svc *Service) registerIoCs(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
	}

	tool := &mcp.Tool{
		Name:        "ucti_iocs",
		Description: "Aggregate the indicators of compromise from posts matching a query, with per-indicator relevance and source links",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query, e.g. 'lockbit !age:90'"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		links, err := svc.engine.SearchIoCs(ctx, p.Query)
		if err != nil {
			return nil, err
		}
		if links == nil {
			links = []search.IoCLink{}
		}
		return links, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(svc.logger, "ucti_iocs")(endpoint), decode)
}

func (svc *Service) registerHealthcheck(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ucti_healthcheck",
		Description: "Report ingestion freshness: total visible posts, per-source counts, earliest and latest post times",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		stats, err := svc.store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "latest_ingestion_time": stats}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{EnrichCtx: mcpCtx}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(svc.logger, "ucti_healthcheck")(endpoint), decode)
}

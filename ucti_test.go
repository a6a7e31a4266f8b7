package ucti

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/dbopen"
	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "modernc.org/sqlite"
)

var testImpl = &mcp.Implementation{Name: "ucti-test", Version: "0.1.0"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDirs(t *testing.T) config.Dirs {
	t.Helper()
	return config.Dirs{
		Logs:   t.TempDir(),
		Data:   t.TempDir(),
		Backup: t.TempDir(),
		Cache:  t.TempDir(),
		Config: t.TempDir(),
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	cfg := &config.Config{
		MISPOrg: &config.MISPOrg{
			Name:  "ACME CTI",
			UUID:  "5d6c8f7e-93f4-4a3b-9f2a-0d1e2f3a4b5c",
			Email: "cti@acme.example",
		},
	}
	svc, err := New(cfg, testDirs(t), discardLogger(), WithDB(db))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedPost(t *testing.T, svc *Service, source, sourceID, user, txt string, created time.Time, tagNames ...string) *store.Post {
	t.Helper()
	ctx := context.Background()

	p := &store.Post{
		Source:     source,
		SourceID:   sourceID,
		User:       user,
		URL:        "https://example.org/" + source + "/" + sourceID,
		CreatedAt:  created.Unix(),
		FetchedAt:  created.Unix() + 60,
		ContentTxt: txt,
	}
	if err := svc.store.InsertPost(ctx, p); err != nil {
		t.Fatalf("insert post: %v", err)
	}

	var tags []*store.Tag
	var tagIDs []int64
	for _, name := range tagNames {
		tag, err := svc.store.UpsertTagByName(ctx, name, "#336699")
		if err != nil {
			t.Fatalf("upsert tag %s: %v", name, err)
		}
		tags = append(tags, tag)
		tagIDs = append(tagIDs, tag.ID)
	}
	if err := svc.store.ConnectTags(ctx, p.ID, tagIDs); err != nil {
		t.Fatalf("connect tags: %v", err)
	}
	if err := svc.store.SetContentSearch(ctx, p.ID, search.Document(p, tags)); err != nil {
		t.Fatalf("set content_search: %v", err)
	}
	return p
}

// mcpSession registers the tools and returns a connected client session
// that can call them end-to-end over the in-memory transport pair.
func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool invokes a tool and returns the JSON text from the first TextContent.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestService_Wiring(t *testing.T) {
	// WHAT: New assembles cache, MISP feed and HTTP handler from config.
	// WHY: Every command shares this wiring; a miss breaks all surfaces.
	svc := testService(t)
	if svc.Cache() == nil {
		t.Error("cache should be enabled with the default TTL")
	}
	if svc.feed == nil {
		t.Error("misp feed should be built from [misp-org]")
	}
	if svc.Handler() == nil {
		t.Error("handler missing")
	}

	zero := 0
	cfg := &config.Config{}
	cfg.Server.CacheSeconds = &zero
	bare, err := New(cfg, testDirs(t), discardLogger(),
		WithDB(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if bare.Cache() != nil {
		t.Error("cache_seconds=0 should disable the cache")
	}
	if bare.feed != nil {
		t.Error("misp feed without [misp-org] should be nil")
	}
}

func TestService_HTTPHealthcheck(t *testing.T) {
	// WHAT: The assembled handler answers the healthcheck with stats.
	svc := testService(t)
	seedPost(t, svc, "mastodon", "s-1", "alice",
		"Emotet loader campaign spreading fast",
		time.Now().UTC().Add(-24*time.Hour), "#EMOTET")

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var body struct {
		Status string            `json:"status"`
		Latest store.IngestStats `json:"latest_ingestion_time"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Latest.Total != 1 {
		t.Errorf("total = %d, want 1", body.Latest.Total)
	}
}

func TestMCP_Search(t *testing.T) {
	// WHAT: ucti_search over the MCP wire returns scored matches.
	// WHY: The tool surface is what agent clients consume.
	svc := testService(t)
	p := seedPost(t, svc, "mastodon", "m-1", "alice",
		"Emotet loader campaign spreading fast",
		time.Now().UTC().Add(-24*time.Hour),
		"#EMOTET", "#MALWARE", "#LOADER", "#BOTNET", "#PHISHING")
	seedPost(t, svc, "rss:feed", "m-2", "carol",
		"Spring gardening tips for beginners",
		time.Now().UTC().Add(-24*time.Hour))

	session := mcpSession(t, svc)
	text := callTool(t, session, "ucti_search", map[string]any{"query": "emotet loader"})

	var resp struct {
		Query   string `json:"query"`
		Matches []struct {
			User    string   `json:"user"`
			Source  string   `json:"source"`
			URL     string   `json:"url"`
			Created string   `json:"created"`
			Score   int      `json:"score"`
			Content string   `json:"content"`
			Tags    []string `json:"tags"`
		} `json:"matches"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(resp.Query, "!from:") || !strings.Contains(resp.Query, "!to:") {
		t.Errorf("query should be canonical, got %q", resp.Query)
	}
	if len(resp.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(resp.Matches))
	}
	m := resp.Matches[0]
	if m.User != "alice" || m.Source != "mastodon" || m.URL != p.URL {
		t.Errorf("match = %+v", m)
	}
	if m.Score != 100 {
		t.Errorf("score = %d, want 100", m.Score)
	}
	if m.Content != p.ContentTxt {
		t.Errorf("content = %q", m.Content)
	}
	if len(m.Tags) != 5 {
		t.Errorf("tags = %v", m.Tags)
	}
	if _, err := time.Parse(time.RFC3339, m.Created); err != nil {
		t.Errorf("created %q: %v", m.Created, err)
	}
}

func TestMCP_Search_BadQuery(t *testing.T) {
	// WHAT: A malformed query surfaces as a tool error, not a dropped call.
	svc := testService(t)
	session := mcpSession(t, svc)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ucti_search",
		Arguments: map[string]any{"query": "\"unterminated"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error for a malformed query")
	}
}

func TestMCP_IoCs(t *testing.T) {
	// WHAT: ucti_iocs aggregates indicators from the matched posts.
	svc := testService(t)
	p := seedPost(t, svc, "mastodon", "m-1", "alice",
		"Emotet loader campaign spreading fast",
		time.Now().UTC().Add(-24*time.Hour),
		"#EMOTET", "#MALWARE", "#LOADER", "#BOTNET", "#PHISHING")

	ctx := context.Background()
	ioc := &store.IoC{Value: "198.51.100.7", Type: "ip", Subtype: "ipv4", Comment: "C2 server"}
	if err := svc.store.UpsertIoC(ctx, ioc); err != nil {
		t.Fatalf("upsert ioc: %v", err)
	}
	if err := svc.store.ConnectIoCs(ctx, p.ID, []int64{ioc.ID}); err != nil {
		t.Fatalf("connect ioc: %v", err)
	}

	session := mcpSession(t, svc)
	text := callTool(t, session, "ucti_iocs", map[string]any{"query": "emotet loader"})

	var links []search.IoCLink
	if err := json.Unmarshal([]byte(text), &links); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Value != "198.51.100.7" || links[0].Relevance != 100 {
		t.Errorf("link = %+v", links[0])
	}
	if len(links[0].Links) != 1 || links[0].Links[0] != p.URL {
		t.Errorf("source links = %v", links[0].Links)
	}
}

func TestMCP_IoCs_Empty(t *testing.T) {
	// WHAT: No matches still yields a JSON array, not null.
	svc := testService(t)
	session := mcpSession(t, svc)

	text := callTool(t, session, "ucti_iocs", map[string]any{"query": "nonexistent threat"})
	if strings.TrimSpace(text) != "[]" {
		t.Errorf("body = %q, want []", text)
	}
}

func TestMCP_Healthcheck(t *testing.T) {
	// WHAT: ucti_healthcheck mirrors the HTTP healthcheck payload.
	svc := testService(t)
	seedPost(t, svc, "mastodon", "m-1", "alice",
		"Emotet loader campaign spreading fast",
		time.Now().UTC().Add(-24*time.Hour), "#EMOTET")

	session := mcpSession(t, svc)
	text := callTool(t, session, "ucti_healthcheck", map[string]any{})

	var body struct {
		Status string            `json:"status"`
		Latest store.IngestStats `json:"latest_ingestion_time"`
	}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Latest.Total != 1 {
		t.Errorf("total = %d, want 1", body.Latest.Total)
	}
	if body.Latest.Services["mastodon"] != 1 {
		t.Errorf("services = %v", body.Latest.Services)
	}
}

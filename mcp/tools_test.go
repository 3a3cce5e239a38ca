package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

type fakeServices struct {
	refreshed []string
	snapshot  quote.Instrument
	snapErr   error
}

func (f *fakeServices) StreamStatus() stream.Status {
	return stream.Status{State: "open", Connected: true}
}

func (f *fakeServices) Surfaces() []deck.SurfaceInfo {
	return []deck.SurfaceInfo{
		{ID: "a", State: quote.Live},
		{ID: "b", State: quote.Broken},
	}
}

func (f *fakeServices) RefreshSurface(_ context.Context, id string) error {
	if id == "missing" {
		return deck.ErrUnknownSurface
	}
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeServices) Snapshot(_ context.Context, in quote.Instrument) (*quote.Quote, error) {
	f.snapshot = in
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	q := quote.New(in.Code, "", decimal.RequireFromString("189.5"), decimal.RequireFromString("-1.2"), decimal.RequireFromString("-0.63"), quote.Fall)
	return &q, nil
}

func call(t *testing.T, tool Tool, s Services, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = tool.Tool().Name
	req.Params.Arguments = args
	res, err := tool.Handler(s)(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestStreamStatusTool(t *testing.T) {
	res := call(t, &StreamStatusTool{}, &fakeServices{}, nil)
	assert.False(t, res.IsError)

	var st stream.Status
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &st))
	assert.True(t, st.Connected)
}

func TestListSurfacesToolFiltersState(t *testing.T) {
	res := call(t, &ListSurfacesTool{}, &fakeServices{}, map[string]any{"state": "BROKEN"})
	var infos []deck.SurfaceInfo
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].ID)

	res = call(t, &ListSurfacesTool{}, &fakeServices{}, nil)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &infos))
	assert.Len(t, infos, 2)
}

func TestRefreshSurfaceTool(t *testing.T) {
	s := &fakeServices{}

	res := call(t, &RefreshSurfaceTool{}, s, map[string]any{})
	assert.True(t, res.IsError)

	res = call(t, &RefreshSurfaceTool{}, s, map[string]any{"id": "missing"})
	assert.True(t, res.IsError)

	res = call(t, &RefreshSurfaceTool{}, s, map[string]any{"id": "a"})
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"a"}, s.refreshed)
}

func TestGetSnapshotTool(t *testing.T) {
	s := &fakeServices{}
	res := call(t, &GetSnapshotTool{}, s, map[string]any{"code": "aapl", "market": "overseas"})
	require.False(t, res.IsError, text(t, res))
	assert.Equal(t, quote.Instrument{Market: quote.Overseas, Code: "AAPL", Exchange: "NAS"}, s.snapshot)

	var out snapshotResponse
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, "189.5", out.Price)
	assert.Equal(t, quote.Fall, out.Sign)

	s.snapErr = kiserr.New(kiserr.InvalidIdentifier, "snapshot", nil)
	res = call(t, &GetSnapshotTool{}, s, map[string]any{"code": "999999"})
	assert.True(t, res.IsError)
	assert.Equal(t, quote.Domestic, s.snapshot.Market)
}

func TestExcludedTools(t *testing.T) {
	excluded := parseExcludedTools(" get_snapshot, ,refresh_surface")
	assert.Equal(t, map[string]bool{"get_snapshot": true, "refresh_surface": true}, excluded)

	tools, n := filterTools(GetAllTools(), excluded)
	assert.Equal(t, 2, n)
	require.Len(t, tools, 2)
	assert.Equal(t, "stream_status", tools[0].Tool().Name)
}

func TestRegisterTools(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	RegisterTools(srv, &fakeServices{}, "get_snapshot", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, []string{"stream_status", "list_surfaces", "refresh_surface", "get_snapshot"}, ToolNames())
}

package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
)

// StreamStatusTool reports the shared streaming connection.
type StreamStatusTool struct{}

func (*StreamStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("stream_status",
		mcp.WithDescription("Show the KIS realtime connection state, reconnect attempts, the last error and every subscribed identity with its consumer count."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (*StreamStatusTool) Handler(s Services) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return MarshalResponse(s.StreamStatus(), "stream_status")
	}
}

// ListSurfacesTool lists mounted surfaces and what they show.
type ListSurfacesTool struct{}

func (*ListSurfacesTool) Tool() mcp.Tool {
	return mcp.NewTool("list_surfaces",
		mcp.WithDescription("List every mounted surface with its instrument, connection state, staleness and last rendered price."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("state",
			mcp.Description("Only list surfaces in this connection state"),
			mcp.Enum(string(quote.Live), string(quote.Backup), string(quote.Broken)),
		),
	)
}

func (*ListSurfacesTool) Handler(s Services) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		state := quote.StreamState(SafeAssertString(request.GetArguments()["state"], ""))
		surfaces := s.Surfaces()
		if state != "" {
			filtered := surfaces[:0]
			for _, info := range surfaces {
				if info.State == state {
					filtered = append(filtered, info)
				}
			}
			surfaces = filtered
		}
		return MarshalResponse(surfaces, "list_surfaces")
	}
}

// RefreshSurfaceTool forces a snapshot render, as a key press would.
type RefreshSurfaceTool struct{}

func (*RefreshSurfaceTool) Tool() mcp.Tool {
	return mcp.NewTool("refresh_surface",
		mcp.WithDescription("Fetch a fresh snapshot for a surface and redraw its card, like pressing the key."),
		mcp.WithString("id",
			mcp.Description("Surface id as shown by list_surfaces"),
			mcp.Required(),
		),
	)
}

func (*RefreshSurfaceTool) Handler(s Services) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if err := ValidateRequired(args, "id"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id := SafeAssertString(args["id"], "")

		err := s.RefreshSurface(ctx, id)
		switch {
		case errors.Is(err, deck.ErrUnknownSurface):
			return mcp.NewToolResultError(fmt.Sprintf("No surface with id %q", id)), nil
		case errors.Is(err, deck.ErrRefreshInFlight):
			return mcp.NewToolResultText(fmt.Sprintf("A refresh of %s is already in progress.", id)), nil
		case err != nil:
			return mcp.NewToolResultError(fmt.Sprintf("Failed to refresh %s: %s", id, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Surface %s refreshed.", id)), nil
	}
}

// GetSnapshotTool fetches a REST snapshot without touching any surface.
type GetSnapshotTool struct{}

func (*GetSnapshotTool) Tool() mcp.Tool {
	return mcp.NewTool("get_snapshot",
		mcp.WithDescription("Fetch the current price of a stock from the KIS REST API. Domestic stocks use the six-digit code (e.g. 005930); overseas stocks use the ticker and exchange (e.g. AAPL on NAS)."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("code",
			mcp.Description("Stock code or ticker"),
			mcp.Required(),
		),
		mcp.WithString("market",
			mcp.Description("Market of the stock"),
			mcp.Enum(string(quote.Domestic), string(quote.Overseas)),
			mcp.DefaultString(string(quote.Domestic)),
		),
		mcp.WithString("exchange",
			mcp.Description("Overseas exchange code"),
			mcp.Enum("NAS", "NYS", "AMS"),
		),
	)
}

type snapshotResponse struct {
	Instrument quote.Instrument `json:"instrument"`
	Price      string           `json:"price"`
	Change     string           `json:"change"`
	Rate       string           `json:"rate"`
	Sign       quote.Sign       `json:"sign"`
}

func (*GetSnapshotTool) Handler(s Services) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if err := ValidateRequired(args, "code"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		in := quote.Instrument{
			Market:   quote.Market(SafeAssertString(args["market"], string(quote.Domestic))),
			Code:     SafeAssertString(args["code"], ""),
			Exchange: SafeAssertString(args["exchange"], ""),
		}.Normalize()

		q, err := s.Snapshot(ctx, in)
		if err != nil {
			if kind, ok := kiserr.KindOf(err); ok {
				return mcp.NewToolResultError(fmt.Sprintf("Snapshot failed (%s): %s", kind.Label(), err)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Snapshot failed: %s", err)), nil
		}
		return MarshalResponse(snapshotResponse{
			Instrument: in,
			Price:      q.Price.String(),
			Change:     q.Change.String(),
			Rate:       q.Rate.String(),
			Sign:       q.Sign,
		}, "get_snapshot")
	}
}

package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the mediation admin MCP server. Descriptions are what
// the model reads to decide which tool to use.

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get a dispute with its order, live presence of client/provider/admin, "+
			"rule acceptance and mediation session state."),
	mcp.WithString("dispute_id", mcp.Required(), mcp.Description("The dispute ID")),
)

var ToolListOpenDisputes = mcp.NewTool("list_open_disputes",
	mcp.WithDescription(
		"List open disputes waiting for mediation, oldest activity last. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithString("cursor", mcp.Description("Cursor from a previous call")),
)

var ToolGetPresence = mcp.NewTool("get_presence",
	mcp.WithDescription(
		"Show who is currently in the mediation room. A participant counts as present "+
			"only if their last heartbeat is under a minute old."),
	mcp.WithString("dispute_id", mcp.Required(), mcp.Description("The dispute ID")),
)

var ToolStartMediation = mcp.NewTool("start_mediation",
	mcp.WithDescription(
		"Join a dispute as the mediator and start its session. Chat opens for both parties."),
	mcp.WithString("dispute_id", mcp.Required(), mcp.Description("The dispute ID")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Close an open dispute. 'agreement' completes the order, 'no_agreement' leaves it disputed, "+
			"'withdrawn_by_user' returns it to in progress."),
	mcp.WithString("dispute_id", mcp.Required(), mcp.Description("The dispute ID")),
	mcp.WithString("resolution_type", mcp.Required(),
		mcp.Description("How the dispute ended"),
		mcp.Enum("agreement", "no_agreement", "withdrawn_by_user")),
	mcp.WithString("note", mcp.Description("Resolution note shown to both parties")),
)

var ToolReopenDispute = mcp.NewTool("reopen_dispute",
	mcp.WithDescription(
		"Reopen the latest closed or cancelled dispute, identified by dispute_id or order_id."),
	mcp.WithString("dispute_id", mcp.Description("The dispute ID")),
	mcp.WithString("order_id", mcp.Description("The order ID, used when dispute_id is empty")),
	mcp.WithString("details", mcp.Description("Why the dispute is reopened")),
)

var ToolListRefunds = mcp.NewTool("list_refunds",
	mcp.WithDescription("List refund requests. Defaults to pending ones."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "completed", "rejected")),
	mcp.WithNumber("limit", mcp.Description("Maximum number of refunds (default 50)")),
)

var ToolDecideRefund = mcp.NewTool("decide_refund",
	mcp.WithDescription(
		"Approve or reject a pending refund. Approval moves the amount from the provider's "+
			"balance to the client's and marks the order refunded, atomically."),
	mcp.WithString("refund_id", mcp.Required(), mcp.Description("The refund request ID")),
	mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true to approve, false to reject")),
	mcp.WithString("note", mcp.Description("Admin note recorded on the decision")),
)

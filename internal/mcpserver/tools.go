package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to decide which
// tool to use. Amounts are base units passed as decimal strings.

var ToolExecuteTransaction = mcp.NewTool("execute_transaction",
	mcp.WithDescription(
		"Spend from your agent account. The transaction is checked against your permissions, "+
			"per-transaction and daily limits, rate limits, destination whitelist and balance. "+
			"Either every check passes and the transfer happens, or nothing changes and the reason is returned."),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Activity type of the transaction"),
		mcp.Enum("transfer", "swap", "nft_operation", "staking", "governance", "defi_interaction", "other")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units, e.g. '1000000'")),
	mcp.WithString("destination",
		mcp.Description("Recipient address (e.g. '0x1234...'). Required for transfers.")),
	mcp.WithString("memo",
		mcp.Description("Optional note stored with the activity record")),
)

var ToolRecordActivity = mcp.NewTool("record_activity",
	mcp.WithDescription(
		"Report an action you took outside the vault, such as a payment made by another system, "+
			"so it appears in your activity log and statistics. No funds move."),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Activity type"),
		mcp.Enum("transfer", "swap", "nft_operation", "staking", "governance", "defi_interaction", "other")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units")),
	mcp.WithString("destination",
		mcp.Description("Counterparty address, if any")),
	mcp.WithString("reason",
		mcp.Description("Short description of the action")),
	mcp.WithString("tx_ref",
		mcp.Description("External reference such as a transaction signature")),
	mcp.WithBoolean("success",
		mcp.Description("Whether the action succeeded (default true)")),
)

var ToolGetAgent = mcp.NewTool("get_agent",
	mcp.WithDescription(
		"Show an agent's permissions, limits, today's spend and revocation status. "+
			"Defaults to your own agent."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address; omit for your own")),
)

var ToolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription(
		"Show an agent's transaction statistics: success and failure counts, per-category totals, "+
			"largest transaction and limit hits. Defaults to your own agent."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address; omit for your own")),
)

var ToolListActivity = mcp.NewTool("list_activity",
	mcp.WithDescription("List an agent's most recent activity, newest first. Defaults to your own agent."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address; omit for your own")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)

var ToolQuoteFee = mcp.NewTool("quote_fee",
	mcp.WithDescription("Quote the protocol fee that would be recorded for a transaction of the given amount."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units")),
)

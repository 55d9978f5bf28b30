package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the approval auditor MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAuditApprovals = mcp.NewTool("audit_approvals",
	mcp.WithDescription(
		"Audit a wallet for live ERC-20 allowances and NFT operator approvals across EVM chains. "+
			"Flags unlimited and stale (older than 90 days) approvals and returns ready-to-sign revoke transactions. "+
			"Audits are paid in USDC over x402: without payment the tool reports the price and recipient. "+
			"After paying, call again with payment_tx_hash and payer_address."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Wallet address to audit (0x followed by 40 hex characters)")),
	mcp.WithArray("chains",
		mcp.Required(),
		mcp.Description("Chain IDs to scan, e.g. [1, 137, 42161]. Use list_chains for the supported set."),
		mcp.Items(map[string]any{"type": "integer"})),
	mcp.WithBoolean("risky_only",
		mcp.Description("Only return approvals with at least one risk flag")),
	mcp.WithString("payment_tx_hash",
		mcp.Description("Hash of the USDC transfer that pays for this audit")),
	mcp.WithString("payer_address",
		mcp.Description("Address that sent the USDC payment")),
)

var ToolListChains = mcp.NewTool("list_chains",
	mcp.WithDescription(
		"List the EVM chains the auditor can scan, with chain IDs and native symbols. Free."),
)

var ToolAuditHistory = mcp.NewTool("audit_history",
	mcp.WithDescription(
		"Show summaries of recent audits for a wallet: when it ran, chains covered, "+
			"and how many unlimited or stale approvals were found. Free."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Wallet address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of reports (default 10)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous audit_history call, to fetch older reports")),
)

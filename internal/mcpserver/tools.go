package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the recurring ledger MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAgreement = mcp.NewTool("get_agreement",
	mcp.WithDescription(
		"Look up a recurring payment agreement by its address. "+
			"Shows payer, payee, status, payment count, and when the next renewal is due."),
	mcp.WithString("agreement",
		mcp.Required(),
		mcp.Description("The agreement address (e.g. '0x1234...')")),
)

var ToolListDueRenewals = mcp.NewTool("list_due_renewals",
	mcp.WithDescription(
		"List active agreements whose renewal window is open right now. "+
			"These are the agreements an executor can renew to earn the executor fee."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agreements to return (default 20)")),
)

var ToolQuoteSplit = mcp.NewTool("quote_split",
	mcp.WithDescription(
		"Preview how one renewal payment under a terms record would be split "+
			"between the executor, the platform, and the payee at the payee's current volume tier."),
	mcp.WithString("terms",
		mcp.Required(),
		mcp.Description("The terms address (e.g. '0x1234...')")),
	mcp.WithString("min_executor_fee",
		mcp.Description("Smallest executor fee worth renewing for, in USDC (e.g. '0.02'). "+
			"When set, the result says whether this renewal clears it.")),
)

var ToolExecuteRenewal = mcp.NewTool("execute_renewal",
	mcp.WithDescription(
		"Renew a due agreement: charges one period from the payer's account and "+
			"pays the executor fee to your executor account. Fails if the agreement is not yet due, "+
			"is past its grace period, or the payer's authorization does not cover the amount."),
	mcp.WithString("agreement",
		mcp.Required(),
		mcp.Description("The agreement address to renew")),
	mcp.WithString("executor_account",
		mcp.Description("Token account that receives the executor fee. Defaults to the configured account.")),
)

var ToolAuthorizationStatus = mcp.NewTool("authorization_status",
	mcp.WithDescription(
		"Check the spending authorization on a payer's token account: who holds it, "+
			"how much is delegated, and which agreements it can currently serve."),
	mcp.WithString("account",
		mcp.Required(),
		mcp.Description("The payer's token account address")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the USDC balance of a token account. Defaults to your executor account."),
	mcp.WithString("account",
		mcp.Description("Token account address. Omit to use the configured executor account.")),
)

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/recurring/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *LedgerClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *LedgerClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAgreement looks up one agreement.
func (h *Handlers) HandleGetAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agreement", "")
	if address == "" {
		return mcp.NewToolResultError("agreement is required"), nil
	}

	raw, err := h.client.GetAgreement(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agreement: %v", err)), nil
	}

	var resp struct {
		Agreement agreementView `json:"agreement"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreement: %v", err)), nil
	}

	return mcp.NewToolResultText(formatAgreement(resp.Agreement)), nil
}

// HandleListDueRenewals lists agreements ready for renewal.
func (h *Handlers) HandleListDueRenewals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListDueRenewals(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list due renewals: %v", err)), nil
	}

	text, err := formatDueList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse due renewals: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleQuoteSplit previews the split of one renewal.
func (h *Handlers) HandleQuoteSplit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	terms := req.GetString("terms", "")
	if terms == "" {
		return mcp.NewToolResultError("terms is required"), nil
	}
	minFeeArg := req.GetString("min_executor_fee", "")
	minFee, ok := usdc.ParseUnits(minFeeArg)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("min_executor_fee %q is not a USDC amount (e.g. '0.02')", minFeeArg)), nil
	}

	raw, err := h.client.Quote(ctx, terms)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote split: %v", err)), nil
	}

	var resp struct {
		Split splitView `json:"split"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	text := "Renewal split for terms " + terms + ":\n" + formatSplit(resp.Split)
	if minFeeArg != "" {
		if resp.Split.ExecutorFee >= minFee {
			text += fmt.Sprintf("Executor fee clears your minimum of %s USDC.\n", usdc.FormatUnits(minFee))
		} else {
			text += fmt.Sprintf("Executor fee is below your minimum of %s USDC; not worth renewing.\n", usdc.FormatUnits(minFee))
		}
	}
	return mcp.NewToolResultText(text), nil
}

// HandleExecuteRenewal renews one agreement.
func (h *Handlers) HandleExecuteRenewal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agreement := req.GetString("agreement", "")
	if agreement == "" {
		return mcp.NewToolResultError("agreement is required"), nil
	}
	executorAccount := req.GetString("executor_account", "")
	if executorAccount == "" && h.client.cfg.ExecutorAccount == "" {
		return mcp.NewToolResultError("executor_account is required when no default executor account is configured"), nil
	}

	raw, err := h.client.ExecuteRenewal(ctx, agreement, executorAccount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Renewal failed: %v", err)), nil
	}

	var resp struct {
		Agreement agreementView `json:"agreement"`
		Split     splitView     `json:"split"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse renewal: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Renewed agreement %s (payment #%d)\n", resp.Agreement.Address, resp.Agreement.PaymentCount)
	sb.WriteString(formatSplit(resp.Split))
	fmt.Fprintf(&sb, "Next due: %s\n", formatUnix(resp.Agreement.NextDue))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAuthorizationStatus reports which agreements an account's grant serves.
func (h *Handlers) HandleAuthorizationStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := req.GetString("account", "")
	if account == "" {
		return mcp.NewToolResultError("account is required"), nil
	}

	raw, err := h.client.AuthorizationStatus(ctx, account)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get authorization status: %v", err)), nil
	}

	text, err := formatAuthorization(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse authorization status: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a token account's USDC balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := req.GetString("account", h.client.cfg.ExecutorAccount)
	if account == "" {
		return mcp.NewToolResultError("account is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, account)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Account struct {
			Address         string  `json:"address"`
			Owner           string  `json:"owner"`
			Balance         uint64  `json:"balance"`
			Delegate        *string `json:"delegate"`
			DelegatedAmount uint64  `json:"delegatedAmount"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s\n", resp.Account.Address)
	fmt.Fprintf(&sb, "  Owner:   %s\n", resp.Account.Owner)
	fmt.Fprintf(&sb, "  Balance: %s USDC\n", usdc.FormatUnits(resp.Account.Balance))
	if resp.Account.Delegate != nil {
		fmt.Fprintf(&sb, "  Delegated: %s USDC to %s\n", usdc.FormatUnits(resp.Account.DelegatedAmount), *resp.Account.Delegate)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type agreementView struct {
	Address      string `json:"address"`
	Terms        string `json:"terms"`
	Payee        string `json:"payee"`
	Payer        string `json:"payer"`
	Active       bool   `json:"active"`
	PaymentCount uint64 `json:"paymentCount"`
	NextDue      int64  `json:"nextDue"`
	LastPaid     uint64 `json:"lastPaidAmount"`
	TrialEndsAt  *int64 `json:"trialEndsAt"`
	InTrial      bool   `json:"inTrial"`
}

type splitView struct {
	ExecutorFee uint64 `json:"executorFee"`
	PlatformFee uint64 `json:"platformFee"`
	PayeeAmount uint64 `json:"payeeAmount"`
}

func formatAgreement(a agreementView) string {
	status := "canceled"
	if a.Active {
		status = "active"
	}
	if a.InTrial {
		status += " (trial)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agreement %s\n", a.Address)
	fmt.Fprintf(&sb, "  Status:   %s\n", status)
	fmt.Fprintf(&sb, "  Payer:    %s\n", a.Payer)
	fmt.Fprintf(&sb, "  Payee:    %s\n", a.Payee)
	fmt.Fprintf(&sb, "  Terms:    %s\n", a.Terms)
	fmt.Fprintf(&sb, "  Payments: %d\n", a.PaymentCount)
	if a.LastPaid > 0 {
		fmt.Fprintf(&sb, "  Last paid: %s USDC\n", usdc.FormatUnits(a.LastPaid))
	}
	if a.TrialEndsAt != nil {
		fmt.Fprintf(&sb, "  Trial ends: %s\n", formatUnix(*a.TrialEndsAt))
	}
	if a.Active {
		fmt.Fprintf(&sb, "  Next due: %s\n", formatUnix(a.NextDue))
	}
	return sb.String()
}

func formatDueList(raw json.RawMessage) (string, error) {
	var resp struct {
		Agreements []agreementView `json:"agreements"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Agreements) == 0 {
		return "No agreements are due for renewal.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agreement(s) due for renewal:\n\n", len(resp.Agreements))
	for i, a := range resp.Agreements {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, a.Address)
		fmt.Fprintf(&sb, "   Payer: %s | Payee: %s\n", a.Payer, a.Payee)
		fmt.Fprintf(&sb, "   Due since: %s\n", formatUnix(a.NextDue))
	}
	return sb.String(), nil
}

func formatSplit(s splitView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Executor fee: %s USDC\n", usdc.FormatUnits(s.ExecutorFee))
	fmt.Fprintf(&sb, "  Platform fee: %s USDC\n", usdc.FormatUnits(s.PlatformFee))
	fmt.Fprintf(&sb, "  Payee amount: %s USDC\n", usdc.FormatUnits(s.PayeeAmount))
	return sb.String()
}

func formatAuthorization(raw json.RawMessage) (string, error) {
	var resp struct {
		Authorization struct {
			Account         string  `json:"account"`
			Holder          *string `json:"holder"`
			DelegatedAmount uint64  `json:"delegatedAmount"`
			Conflicted      bool    `json:"conflicted"`
			Agreements      []struct {
				Agreement string `json:"agreement"`
				Payee     string `json:"payee"`
				Active    bool   `json:"active"`
				Served    bool   `json:"served"`
			} `json:"agreements"`
		} `json:"authorization"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Authorization

	var sb strings.Builder
	fmt.Fprintf(&sb, "Authorization for account %s\n", a.Account)
	if a.Holder == nil {
		sb.WriteString("  Holder: none\n")
	} else {
		fmt.Fprintf(&sb, "  Holder: %s\n", *a.Holder)
		fmt.Fprintf(&sb, "  Delegated: %s USDC\n", usdc.FormatUnits(a.DelegatedAmount))
	}
	if a.Conflicted {
		sb.WriteString("  Warning: active agreements expect different holders; only one group can renew.\n")
	}
	for _, ag := range a.Agreements {
		state := "inactive"
		switch {
		case ag.Active && ag.Served:
			state = "served"
		case ag.Active:
			state = "NOT served"
		}
		fmt.Fprintf(&sb, "  - %s (payee %s): %s\n", ag.Agreement, ag.Payee, state)
	}
	return sb.String(), nil
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

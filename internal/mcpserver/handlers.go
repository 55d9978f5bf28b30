package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/audit"
	"github.com/mbd888/approval-auditor/internal/payment"
	"github.com/mbd888/approval-auditor/internal/reports"
	"github.com/mbd888/approval-auditor/pkg/x402"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *AuditorClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AuditorClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAuditApprovals runs an audit, paying with a caller-supplied
// transaction when one is given.
func (h *Handlers) HandleAuditApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}
	chainIDs, err := chainsArg(req.GetArguments()["chains"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	txHash := req.GetString("payment_tx_hash", "")
	payer := req.GetString("payer_address", "")
	if (txHash == "") != (payer == "") {
		return mcp.NewToolResultError("payment_tx_hash and payer_address must be given together"), nil
	}
	var p x402.Payer
	if txHash != "" {
		p = txPayer{txHash: txHash, from: payer}
	}

	raw, err := h.client.Audit(ctx, AuditRequest{
		Wallet:    wallet,
		Chains:    chainIDs,
		RiskyOnly: req.GetBool("risky_only", false),
	}, p)
	if err != nil {
		var payErr *x402.PaymentRequiredError
		if errors.As(err, &payErr) {
			return mcp.NewToolResultError(formatPaymentRequired(payErr.Requirements, p != nil)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Audit failed: %v", err)), nil
	}

	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListChains lists supported chains.
func (h *Handlers) HandleListChains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListChains(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list chains: %v", err)), nil
	}

	var resp struct {
		Chains []audit.ChainInfo `json:"chains"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chains: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Supported chains (%d):\n", len(resp.Chains))
	for _, c := range resp.Chains {
		fmt.Fprintf(&sb, "  %d  %s (%s)\n", c.ChainID, c.Name, c.Symbol)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAuditHistory lists recent report summaries for a wallet.
func (h *Handlers) HandleAuditHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}
	limit := req.GetInt("limit", 10)

	raw, err := h.client.AuditHistory(ctx, wallet, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load history: %v", err)), nil
	}

	var resp struct {
		Reports    []reports.Report `json:"reports"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	if len(resp.Reports) == 0 {
		return mcp.NewToolResultText("No audits recorded for this wallet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent audits (%d):\n\n", len(resp.Reports))
	for i, r := range resp.Reports {
		fmt.Fprintf(&sb, "%d. %s  chains %s\n", i+1, r.CompletedAt.Format("2006-01-02 15:04 UTC"), joinIDs(r.ChainsScanned))
		fmt.Fprintf(&sb, "   %d approvals, %d unlimited, %d stale", r.TotalApprovals, r.UnlimitedCount, r.StaleCount)
		if len(r.ChainsFailed) > 0 {
			fmt.Fprintf(&sb, ", %d chain(s) failed", len(r.ChainsFailed))
		}
		sb.WriteString("\n")
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nOlder audits exist. Call again with cursor=%s\n", resp.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Helpers ---

// chainsArg accepts a JSON array of numbers (or numeric strings).
func chainsArg(v any) ([]int64, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, errors.New("chains must be a non-empty array of chain IDs")
	}
	out := make([]int64, 0, len(items))
	for _, it := range items {
		switch n := it.(type) {
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("chain ID %v is not an integer", n)
			}
			out = append(out, int64(n))
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("chain ID %s is not an integer", n)
			}
			out = append(out, i)
		default:
			return nil, fmt.Errorf("chain ID %v is not a number", it)
		}
	}
	return out, nil
}

func formatPaymentRequired(req *x402.PaymentRequirements, attempted bool) string {
	var sb strings.Builder
	if attempted {
		sb.WriteString("Payment was not accepted")
		if req != nil && req.Error != "" {
			fmt.Fprintf(&sb, " (%s)", req.Error)
		}
		sb.WriteString(".\n\n")
	} else {
		sb.WriteString("Payment required for this audit.\n\n")
	}
	if req == nil || len(req.Accepts) == 0 {
		return sb.String()
	}

	a := req.Accepts[0]
	amount := a.MaxAmountRequired
	if raw, ok := new(big.Int).SetString(a.MaxAmountRequired, 10); ok {
		amount = payment.FormatUSDC(raw)
	}
	fmt.Fprintf(&sb, "  Amount:  %s USDC\n", amount)
	fmt.Fprintf(&sb, "  Network: %s\n", a.Network)
	fmt.Fprintf(&sb, "  Asset:   %s\n", a.Asset)
	fmt.Fprintf(&sb, "  Pay to:  %s\n\n", a.PayTo)
	sb.WriteString("Send the USDC transfer, then call audit_approvals again with payment_tx_hash and payer_address.")
	return sb.String()
}

func formatAudit(raw json.RawMessage) (string, error) {
	var res audit.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet: %s\n", res.Wallet)
	fmt.Fprintf(&sb, "Chains scanned: %s\n", joinIDs(res.ChainsScanned))
	for _, f := range res.ChainsFailed {
		fmt.Fprintf(&sb, "Chain failed: %s (%d): %s\n", f.ChainName, f.ChainID, f.Reason)
	}

	flags := res.FlagCounts()
	fmt.Fprintf(&sb, "Live approvals: %d (%d unlimited, %d stale)\n",
		res.TotalApprovals, flags[approval.FlagUnlimited], flags[approval.FlagStale])
	if res.TotalApprovals == 0 {
		sb.WriteString("\nNo live approvals found.\n")
		return sb.String(), nil
	}

	sb.WriteString("\nApprovals:\n")
	for i := range res.Approvals {
		a := &res.Approvals[i]
		risk := "ok"
		if len(a.RiskFlags) > 0 {
			parts := make([]string, len(a.RiskFlags))
			for j, f := range a.RiskFlags {
				parts[j] = string(f)
			}
			risk = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&sb, "%d. [%s] %s token %s -> %s, %d days old, %s\n",
			i+1, a.ChainName, a.Kind, a.TokenAddress, a.Counterparty(), a.AgeDays, risk)
		if i < len(res.RevokeTxData) {
			tx := res.RevokeTxData[i]
			fmt.Fprintf(&sb, "   revoke: to %s data %s\n", tx.To, tx.Data)
		}
	}
	return sb.String(), nil
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentCard is the agent metadata served at /.well-known/agent.json.
type AgentCard struct {
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	URL                string                `json:"url"`
	Version            string                `json:"version"`
	Capabilities       AgentCapabilities     `json:"capabilities"`
	DefaultInputModes  []string              `json:"defaultInputModes"`
	DefaultOutputModes []string              `json:"defaultOutputModes"`
	Skills             []AgentSkill          `json:"skills"`
	Entrypoints        map[string]Entrypoint `json:"entrypoints"`
	Payments           []PaymentMethod       `json:"payments"`
}

// AgentCapabilities advertises protocol features.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill is one advertised skill.
type AgentSkill struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputModes   []string       `json:"inputModes"`
	OutputModes  []string       `json:"outputModes"`
	InputSchema  map[string]any `json:"x_input_schema"`
	OutputSchema map[string]any `json:"x_output_schema"`
}

// Entrypoint describes an invocable route and its price.
type Entrypoint struct {
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Streaming    bool              `json:"streaming"`
	InputSchema  map[string]any    `json:"input_schema"`
	OutputSchema map[string]any    `json:"output_schema"`
	Pricing      map[string]string `json:"pricing"`
}

// PaymentMethod tells an agent how to pay.
type PaymentMethod struct {
	Method     string            `json:"method"`
	Payee      string            `json:"payee"`
	Network    string            `json:"network"`
	Asset      string            `json:"asset"`
	PriceModel map[string]string `json:"priceModel"`
}

const jsonSchemaDraft = "https://json-schema.org/draft/2020-12/schema"

func auditInputSchema() map[string]any {
	return map[string]any{
		"$schema": jsonSchemaDraft,
		"type":    "object",
		"properties": map[string]any{
			"wallet":     map[string]any{"type": "string", "description": "Wallet address to audit"},
			"chains":     map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Chain IDs to scan"},
			"risky_only": map[string]any{"type": "boolean", "description": "Only return flagged approvals"},
		},
		"required":             []string{"wallet", "chains"},
		"additionalProperties": false,
	}
}

func auditOutputSchema() map[string]any {
	return map[string]any{
		"$schema": jsonSchemaDraft,
		"type":    "object",
		"properties": map[string]any{
			"wallet":          map[string]any{"type": "string"},
			"chains_scanned":  map[string]any{"type": "array"},
			"chains_failed":   map[string]any{"type": "array"},
			"total_approvals": map[string]any{"type": "integer"},
			"approvals":       map[string]any{"type": "array"},
			"revoke_tx_data":  map[string]any{"type": "array"},
			"timestamp":       map[string]any{"type": "string"},
		},
		"required": []string{"wallet", "chains_scanned", "total_approvals", "approvals", "revoke_tx_data"},
	}
}

func (s *Server) agentCard() AgentCard {
	base := s.baseURL()
	const description = "Flag unlimited or stale ERC-20/NFT approvals and build revoke calls."

	payee := ""
	req := s.paywall.Requirements("")
	if len(req.Accepts) > 0 {
		payee = req.Accepts[0].PayTo
	}

	return AgentCard{
		Name:               "Approval Risk Auditor",
		Description:        description,
		URL:                base + "/",
		Version:            Version,
		Capabilities:       AgentCapabilities{StateTransitionHistory: true},
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
		Skills: []AgentSkill{{
			ID:           "approval-risk-auditor",
			Name:         "approval-risk-auditor",
			Description:  "Audit a wallet for risky token approvals and generate revocation transactions",
			InputModes:   []string{"application/json"},
			OutputModes:  []string{"application/json"},
			InputSchema:  auditInputSchema(),
			OutputSchema: auditOutputSchema(),
		}},
		Entrypoints: map[string]Entrypoint{
			"approval-risk-auditor": {
				Description:  description,
				URL:          base + EntrypointPath,
				InputSchema:  auditInputSchema(),
				OutputSchema: auditOutputSchema(),
				Pricing:      map[string]string{"invoke": s.cfg.AuditPrice + " USDC"},
			},
		},
		Payments: []PaymentMethod{{
			Method:     "x402",
			Payee:      payee,
			Network:    networkName(s.cfg.PaymentChainID),
			Asset:      s.cfg.USDCContract,
			PriceModel: map[string]string{"default": s.cfg.AuditPrice},
		}},
	}
}

func (s *Server) agentCardHandler(c *gin.Context) {
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, s.agentCard())
}

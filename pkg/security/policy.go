// Package security enforces the execution-time security policy: domain
// allow/deny lists with suffix matching, high-risk action approval, and
// the custom-JS gate. Page-derived text is treated as untrusted and runs
// through the prompt-injection filter before it reaches any caller.
package security

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindsync-ai/predator/pkg/contracts"
)

// Policy configures the security layer for one engine.
type Policy struct {
	AllowDomains    []string
	DenyDomains     []string
	AllowCustomJS   bool
	HighRiskActions []contracts.ActionType
	// ApprovalKey, when set, requires metadata.approval_token to carry a
	// valid HS256 token instead of the bare high_risk_approved flag.
	ApprovalKey []byte
}

// DefaultHighRiskActions covers the actions that can move data in or out
// of the browser sandbox.
func DefaultHighRiskActions() []contracts.ActionType {
	return []contracts.ActionType{
		contracts.ActionCustomJSRestricted,
		contracts.ActionUpload,
		contracts.ActionDownloadTrigger,
	}
}

// Decision is the structured outcome of a policy check.
type Decision struct {
	Allowed bool
	Code    string
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true, Code: "OK"}
}

// Layer evaluates policy decisions for one session.
type Layer struct {
	policy Policy
}

func NewLayer(policy Policy) *Layer {
	if policy.HighRiskActions == nil {
		policy.HighRiskActions = DefaultHighRiskActions()
	}
	return &Layer{policy: policy}
}

func (l *Layer) domainAllowed(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)

	for _, denied := range l.policy.DenyDomains {
		deniedHost := strings.ToLower(denied)
		if host == deniedHost || strings.HasSuffix(host, "."+deniedHost) {
			return false
		}
	}

	if len(l.policy.AllowDomains) == 0 {
		return false
	}

	for _, allowed := range l.policy.AllowDomains {
		allowedHost := strings.ToLower(allowed)
		if host == allowedHost || strings.HasSuffix(host, "."+allowedHost) {
			return true
		}
	}
	return false
}

// EvaluateNavigation gates a navigation target URL.
func (l *Layer) EvaluateNavigation(rawURL string) Decision {
	if !l.domainAllowed(rawURL) {
		return Decision{
			Allowed: false,
			Code:    contracts.CodeSecurityDomainBlock,
			Detail:  fmt.Sprintf("navigation blocked for url=%s", rawURL),
		}
	}
	return allow()
}

// EvaluateAction gates an action type against the current page URL and
// the contract metadata. Navigation targets are validated separately, so
// navigate is never blocked by the current URL.
func (l *Layer) EvaluateAction(actionType contracts.ActionType, currentURL string, metadata map[string]interface{}) Decision {
	if actionType != contracts.ActionNavigate && !l.domainAllowed(currentURL) {
		return Decision{
			Allowed: false,
			Code:    contracts.CodeSecurityDomainBlock,
			Detail:  fmt.Sprintf("action blocked outside policy domain: %s", currentURL),
		}
	}

	if l.isHighRisk(actionType) {
		if !l.approved(metadata) {
			return Decision{
				Allowed: false,
				Code:    contracts.CodeSecurityApprovalNeeded,
				Detail:  fmt.Sprintf("action_type=%s requires explicit approval", actionType),
			}
		}
	}

	if actionType == contracts.ActionCustomJSRestricted && !l.policy.AllowCustomJS {
		return Decision{
			Allowed: false,
			Code:    contracts.CodeSecurityJSBlocked,
			Detail:  "custom js execution is disabled by policy",
		}
	}

	return allow()
}

func (l *Layer) isHighRisk(actionType contracts.ActionType) bool {
	for _, t := range l.policy.HighRiskActions {
		if t == actionType {
			return true
		}
	}
	return false
}

// approved checks the high-risk approval. Without an approval key the
// boolean metadata flag decides; with a key a valid signed token is
// required and the flag alone does not suffice.
func (l *Layer) approved(metadata map[string]interface{}) bool {
	if len(l.policy.ApprovalKey) == 0 {
		flag, _ := metadata["high_risk_approved"].(bool)
		return flag
	}
	tokenString, _ := metadata["approval_token"].(string)
	if tokenString == "" {
		return false
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.policy.ApprovalKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

// MintApprovalToken issues an approval token with the given claims. Used
// by operator tooling to pre-approve a specific high-risk action.
func MintApprovalToken(key []byte, claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(key)
}

package proto

import (
	"fmt"
	"net/url"
)

// StartFlowParams are read once, from the query string, when a flow is created.
type StartFlowParams struct {
	RequireProfile bool   `json:"requireProfile"`
	Redirect       string `json:"redirect,omitempty"`
}

// StartFlowParamsFromQuery mirrors how the page reads its startup parameters:
// requireProfile is enabled only by the exact value "true".
func StartFlowParamsFromQuery(q url.Values) *StartFlowParams {
	return &StartFlowParams{
		RequireProfile: q.Get("requireProfile") == "true",
		Redirect:       q.Get("redirect"),
	}
}

type AccountsChangedParams struct {
	Accounts []string `json:"accounts"`
}

func (p *AccountsChangedParams) Validate() error {
	if p == nil {
		return fmt.Errorf("params is required")
	}
	if p.Accounts == nil {
		return fmt.Errorf("accounts is required")
	}
	for _, account := range p.Accounts {
		if !IsValidAddress(account) {
			return fmt.Errorf("invalid account: %s", account)
		}
	}
	return nil
}

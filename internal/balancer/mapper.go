package balancer

import "github.com/polyrelay/polyrelay/internal/config"

// ResolvedModel is the outcome of running a request model through the
// configured mappings.
type ResolvedModel struct {
	RequestModel        string
	ActualModel         string
	PreferredProviderID string
	PreferredAccountID  string
}

// ResolveModel maps a requested model to its upstream name. Exact matches win
// over wildcard matches; wildcards are tried in configuration order; an
// unmatched model maps to itself.
func ResolveModel(mappings []config.ModelMapping, requestModel string) ResolvedModel {
	for _, m := range mappings {
		if m.RequestModel == requestModel {
			return resolved(m, requestModel)
		}
	}
	for _, m := range mappings {
		if config.MatchModelPattern(m.RequestModel, requestModel) {
			return resolved(m, requestModel)
		}
	}
	return ResolvedModel{RequestModel: requestModel, ActualModel: requestModel}
}

func resolved(m config.ModelMapping, requestModel string) ResolvedModel {
	actual := m.ActualModel
	if actual == "" {
		actual = requestModel
	}
	return ResolvedModel{
		RequestModel:        requestModel,
		ActualModel:         actual,
		PreferredProviderID: m.PreferredProviderID,
		PreferredAccountID:  m.PreferredAccountID,
	}
}

// File: internal/vision/provider/profiles.go
package provider

import "strings"

// RequestProfile describes how a model family wants its request shaped.
// Some families reject any temperature other than the service default and
// take their token limit under a different parameter name, so the payload
// cannot be universal.
type RequestProfile struct {
	// Prefixes are matched against the model name.
	Prefixes []string
	// TokenParam is the JSON field carrying the completion token limit.
	TokenParam string
	// LocksTemperature means the family only accepts the default temperature,
	// so the parameter must be omitted entirely.
	LocksTemperature bool
}

// requestProfiles is an ordered lookup table; new model families are added
// here rather than branched on inline.
var requestProfiles = []RequestProfile{
	{
		Prefixes:         []string{"gpt-5", "o3", "o4"},
		TokenParam:       "max_completion_tokens",
		LocksTemperature: true,
	},
}

// defaultProfile covers every model family without a dedicated entry.
var defaultProfile = RequestProfile{TokenParam: "max_tokens"}

// profileFor selects the request profile for a model by name prefix.
func profileFor(model string) RequestProfile {
	for _, p := range requestProfiles {
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(model, prefix) {
				return p
			}
		}
	}
	return defaultProfile
}

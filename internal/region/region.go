// Package region derives the backend region from a raw session token.
// International tokens carry a lower-case region prefix ("us-", "hk-",
// "jp-", "sg-"); anything else is a domestic token.
package region

import (
	"strings"

	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

var prefixed = []models.Region{models.RegionUS, models.RegionHK, models.RegionJP, models.RegionSG}

// FromToken splits a raw token into its region and the bare session id.
func FromToken(raw string) provider.Session {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	for _, r := range prefixed {
		p := string(r) + "-"
		if strings.HasPrefix(lower, p) {
			return provider.Session{Token: raw[len(p):], Region: r}
		}
	}
	return provider.Session{Token: raw, Region: models.RegionCN}
}

func Context(raw string) models.RegionContext {
	return models.RegionContext{Region: FromToken(raw).Region}
}

// Tokens splits a comma separated list, dropping blanks.
func Tokens(list string) []string {
	var out []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

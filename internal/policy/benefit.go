package policy

import (
	"slices"

	"github.com/manash/jimeng/pkg/models"
)

// BenefitCount returns the free-quota hint attached to metrics, or nil when
// the request must not carry one. Multi-image requests and the domestic
// region never carry it.
func BenefitCount(c *models.Catalog, userModel string, region models.Region, multiImage bool) *int {
	if multiImage || region.IsDomestic() {
		return nil
	}

	b := c.Benefit()
	switch {
	case region.IsPrimary():
		if !slices.Contains(b.PrimaryAllow, userModel) {
			return nil
		}
	case region.IsSecondary():
		if slices.Contains(b.SecondaryDeny, userModel) {
			return nil
		}
	default:
		return nil
	}

	n := b.Count
	return &n
}

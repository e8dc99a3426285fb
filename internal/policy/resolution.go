package policy

import (
	"github.com/manash/jimeng/pkg/models"
)

// ResolveResolution turns a requested tier and ratio into concrete pixel
// dimensions and the backend ratio code. Empty tier and ratio fall back to
// 2k and 1:1. Model constraints from the catalog take precedence over the
// caller's choice and mark the result as forced.
func ResolveResolution(c *models.Catalog, userModel string, region models.Region, tier, ratio string) (models.ResolutionResult, error) {
	entry, known := c.Entry(userModel)

	if known && region.IsDomestic() && entry.InternationalOnly {
		return models.ResolutionResult{}, models.NewPolicyViolation(
			models.ErrUnsupportedModelForRegion, userModel, region,
			c.ModelIDs(models.TypeImage, region.Family()))
	}

	if tier == "" {
		tier = string(models.DefaultTier)
	}
	if ratio == "" {
		ratio = string(models.DefaultRatio)
	}

	if known {
		if con, ok := entry.ConstraintFor(region); ok {
			if con.Fixed() {
				return models.ResolutionResult{
					Width:     con.Width,
					Height:    con.Height,
					RatioCode: con.RatioCode,
					Tier:      con.ForcedTier,
					IsForced:  true,
				}, nil
			}
			if con.ForcedTier != "" {
				res, err := lookup(c, region, string(con.ForcedTier), ratio)
				if err != nil {
					return models.ResolutionResult{}, err
				}
				res.IsForced = true
				return res, nil
			}
		}
	}

	return lookup(c, region, tier, ratio)
}

func lookup(c *models.Catalog, region models.Region, tier, ratio string) (models.ResolutionResult, error) {
	t, ok := models.ParseTier(tier)
	if !ok || len(c.Ratios(t)) == 0 {
		return models.ResolutionResult{}, models.NewPolicyViolation(
			models.ErrUnsupportedResolution, tier, region, tierNames(c.Tiers()))
	}

	r, _ := models.ParseRatio(ratio)
	d, ok := c.Resolution(t, r)
	if !ok {
		return models.ResolutionResult{}, models.NewPolicyViolation(
			models.ErrUnsupportedRatio, ratio, region, ratioNames(c.Ratios(t)))
	}

	return models.ResolutionResult{
		Width:     d.Width,
		Height:    d.Height,
		RatioCode: d.RatioCode,
		Tier:      t,
	}, nil
}

func tierNames(tiers []models.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func ratioNames(ratios []models.Ratio) []string {
	out := make([]string, len(ratios))
	for i, r := range ratios {
		out[i] = string(r)
	}
	return out
}

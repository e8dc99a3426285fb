// Package policy decides which backend model, output geometry and free-quota
// hint a request gets in a given region. Everything here is a pure function
// over an immutable *models.Catalog.
package policy

import (
	"github.com/manash/jimeng/pkg/models"
)

// ModelResolution is the outcome of mapping a user-facing model id onto the
// backend's id space for one region.
type ModelResolution struct {
	BackendModel string
	// UserModel is the effective user-facing id after any substitution. It
	// drives resolution, benefit and metrics decisions downstream.
	UserModel   string
	Substituted bool
}

// ResolveModel maps an image model for region. An empty userModel selects the
// region's default.
func ResolveModel(c *models.Catalog, userModel string, region models.Region) (ModelResolution, error) {
	return resolve(c, models.TypeImage, userModel, region)
}

// ResolveVideoModel applies the same rules to video models.
func ResolveVideoModel(c *models.Catalog, userModel string, region models.Region) (ModelResolution, error) {
	return resolve(c, models.TypeVideo, userModel, region)
}

func resolve(c *models.Catalog, t models.ModelType, userModel string, region models.Region) (ModelResolution, error) {
	family := region.Family()
	regionDefault := c.DefaultModel(t, family)

	if userModel == "" {
		return fromDefault(c, t, regionDefault, family, false), nil
	}

	if region.IsDomestic() {
		if e, ok := c.Entry(userModel); ok && e.InternationalOnly {
			return ModelResolution{}, models.NewPolicyViolation(
				models.ErrUnsupportedModelForRegion, userModel, region, c.ModelIDs(t, family))
		}
	}

	if backend, ok := c.BackendModel(t, userModel, family); ok {
		return ModelResolution{BackendModel: backend, UserModel: userModel}, nil
	}

	if region.IsInternational() {
		if userModel == c.DefaultModel(t, models.FamilyDomestic) {
			return fromDefault(c, t, regionDefault, family, true), nil
		}
		return ModelResolution{}, models.NewPolicyViolation(
			models.ErrUnsupportedModelForRegion, userModel, region, c.ModelIDs(t, family))
	}

	return fromDefault(c, t, regionDefault, family, true), nil
}

func fromDefault(c *models.Catalog, t models.ModelType, id string, f models.Family, substituted bool) ModelResolution {
	backend, _ := c.BackendModel(t, id, f)
	return ModelResolution{BackendModel: backend, UserModel: id, Substituted: substituted}
}

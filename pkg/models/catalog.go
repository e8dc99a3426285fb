package models

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

var ErrInvalidCatalog = errors.New("invalid model catalog")

// ResolutionConstraint pins the output geometry of a model in some regions.
// With IgnoreRatio and a fixed Width/Height the caller's ratio is discarded;
// otherwise the caller's ratio is looked up under ForcedTier.
type ResolutionConstraint struct {
	Regions     []Region `yaml:"regions"`
	ForcedTier  Tier     `yaml:"forced_tier"`
	IgnoreRatio bool     `yaml:"ignore_ratio"`
	Width       int      `yaml:"width"`
	Height      int      `yaml:"height"`
	RatioCode   int      `yaml:"ratio_code"`
}

func (c ResolutionConstraint) AppliesTo(r Region) bool {
	return slices.Contains(c.Regions, r)
}

// Fixed reports whether the constraint carries its own dimensions.
func (c ResolutionConstraint) Fixed() bool {
	return c.IgnoreRatio && c.Width > 0 && c.Height > 0
}

type BackendIDs struct {
	Domestic      string `yaml:"domestic"`
	International string `yaml:"international"`
}

func (b BackendIDs) For(f Family) string {
	if f == FamilyDomestic {
		return b.Domestic
	}
	return b.International
}

type ModelCatalogEntry struct {
	ID                string                 `yaml:"id"`
	Name              string                 `yaml:"name"`
	Description       string                 `yaml:"description"`
	Type              ModelType              `yaml:"type"`
	Regions           []Region               `yaml:"regions"`
	Backend           BackendIDs             `yaml:"backend"`
	IntelligentRatio  bool                   `yaml:"intelligent_ratio"`
	MultiImage        bool                   `yaml:"multi_image"`
	InternationalOnly bool                   `yaml:"international_only"`
	Constraints       []ResolutionConstraint `yaml:"constraints"`
}

func (e ModelCatalogEntry) AvailableIn(r Region) bool {
	return slices.Contains(e.Regions, r)
}

// ConstraintFor returns the first constraint that applies to r.
func (e ModelCatalogEntry) ConstraintFor(r Region) (ResolutionConstraint, bool) {
	for _, c := range e.Constraints {
		if c.AppliesTo(r) {
			return c, true
		}
	}
	return ResolutionConstraint{}, false
}

// BenefitPolicy decides which requests carry the free-quota hint.
type BenefitPolicy struct {
	Count         int      `yaml:"count"`
	PrimaryAllow  []string `yaml:"primary_allow"`
	SecondaryDeny []string `yaml:"secondary_deny"`
}

type catalogFile struct {
	Defaults    map[ModelType]map[Family]string `yaml:"defaults"`
	Benefit     BenefitPolicy                   `yaml:"benefit"`
	Resolutions map[Tier]map[Ratio]Dimensions   `yaml:"resolutions"`
	Models      []ModelCatalogEntry             `yaml:"models"`
}

// Catalog is the immutable policy table. It is safe for concurrent use.
type Catalog struct {
	entries     []ModelCatalogEntry
	byID        map[string]int
	defaults    map[ModelType]map[Family]string
	resolutions map[Tier]map[Ratio]Dimensions
	benefit     BenefitPolicy
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := ParseCatalog(embeddedCatalog)
		if err != nil {
			panic(fmt.Sprintf("embedded catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadCatalog reads a catalog override from path. An empty path yields the
// embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	c := &Catalog{
		entries:     f.Models,
		byID:        make(map[string]int, len(f.Models)),
		defaults:    f.Defaults,
		resolutions: f.Resolutions,
		benefit:     f.Benefit,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	for i, e := range c.entries {
		c.byID[e.ID] = i
	}
	return c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.entries))
	for _, e := range c.entries {
		if e.ID == "" {
			return fmt.Errorf("%w: model without id", ErrInvalidCatalog)
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate model %q", ErrInvalidCatalog, e.ID)
		}
		seen[e.ID] = true

		switch e.Type {
		case TypeImage, TypeVideo, TypeBoth:
		default:
			return fmt.Errorf("%w: model %q has unknown type %q", ErrInvalidCatalog, e.ID, e.Type)
		}
		for _, r := range e.Regions {
			if _, err := ParseRegion(string(r)); err != nil {
				return fmt.Errorf("%w: model %q: %v", ErrInvalidCatalog, e.ID, err)
			}
			if e.Backend.For(r.Family()) == "" {
				return fmt.Errorf("%w: model %q lists region %s without a %s backend id",
					ErrInvalidCatalog, e.ID, r, r.Family())
			}
			if e.InternationalOnly && r.IsDomestic() {
				return fmt.Errorf("%w: international-only model %q lists region %s", ErrInvalidCatalog, e.ID, r)
			}
		}
		for _, con := range e.Constraints {
			if con.ForcedTier != "" {
				if _, ok := ParseTier(string(con.ForcedTier)); !ok {
					return fmt.Errorf("%w: model %q forces unknown tier %q", ErrInvalidCatalog, e.ID, con.ForcedTier)
				}
			}
		}
	}

	for tier, ratios := range c.resolutions {
		if _, ok := ParseTier(string(tier)); !ok {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidCatalog, tier)
		}
		for ratio, d := range ratios {
			if _, ok := ParseRatio(string(ratio)); !ok {
				return fmt.Errorf("%w: tier %s has unknown ratio %q", ErrInvalidCatalog, tier, ratio)
			}
			if d.Width <= 0 || d.Height <= 0 || d.RatioCode <= 0 {
				return fmt.Errorf("%w: tier %s ratio %s has incomplete dimensions", ErrInvalidCatalog, tier, ratio)
			}
		}
	}
	if _, ok := c.Resolution(DefaultTier, DefaultRatio); !ok {
		return fmt.Errorf("%w: default resolution %s %s missing", ErrInvalidCatalog, DefaultTier, DefaultRatio)
	}

	for _, t := range []ModelType{TypeImage, TypeVideo} {
		for _, f := range []Family{FamilyDomestic, FamilyInternational} {
			id := c.defaults[t][f]
			if id == "" {
				return fmt.Errorf("%w: no default %s model for %s regions", ErrInvalidCatalog, t, f)
			}
			if !seen[id] {
				return fmt.Errorf("%w: default %s model %q is not in the catalog", ErrInvalidCatalog, t, id)
			}
		}
	}
	return nil
}

func (c *Catalog) Entry(id string) (ModelCatalogEntry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return ModelCatalogEntry{}, false
	}
	return c.entries[i], true
}

// BackendModel returns the backend id for a user-facing model of type t in
// the given region family.
func (c *Catalog) BackendModel(t ModelType, id string, f Family) (string, bool) {
	e, ok := c.Entry(id)
	if !ok || !e.Type.Covers(t) {
		return "", false
	}
	b := e.Backend.For(f)
	return b, b != ""
}

// ModelIDs lists, in catalog order, the user-facing ids of type t that have a
// backend id in family f.
func (c *Catalog) ModelIDs(t ModelType, f Family) []string {
	var ids []string
	for _, e := range c.entries {
		if e.Type.Covers(t) && e.Backend.For(f) != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// ModelsFor lists the entries of type t offered in region r.
func (c *Catalog) ModelsFor(r Region, t ModelType) []ModelCatalogEntry {
	var out []ModelCatalogEntry
	for _, e := range c.entries {
		if e.Type.Covers(t) && e.AvailableIn(r) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Catalog) Entries() []ModelCatalogEntry {
	return slices.Clone(c.entries)
}

func (c *Catalog) DefaultModel(t ModelType, f Family) string {
	return c.defaults[t][f]
}

func (c *Catalog) Resolution(tier Tier, ratio Ratio) (Dimensions, bool) {
	d, ok := c.resolutions[tier][ratio]
	return d, ok
}

// Tiers returns the tiers present in the table in ascending order.
func (c *Catalog) Tiers() []Tier {
	var out []Tier
	for _, t := range AllTiers() {
		if _, ok := c.resolutions[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Ratios returns the ratios available under tier in canonical order.
func (c *Catalog) Ratios(tier Tier) []Ratio {
	var out []Ratio
	for _, r := range AllRatios() {
		if _, ok := c.resolutions[tier][r]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Catalog) Benefit() BenefitPolicy {
	return c.benefit
}

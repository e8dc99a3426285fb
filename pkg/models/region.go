package models

import (
	"fmt"
	"strings"
)

// Region is the deployment segment a session token belongs to.
type Region string

const (
	RegionCN Region = "cn"
	RegionUS Region = "us"
	RegionHK Region = "hk"
	RegionJP Region = "jp"
	RegionSG Region = "sg"
)

// Family groups regions that share a backend model map.
type Family string

const (
	FamilyDomestic      Family = "domestic"
	FamilyInternational Family = "international"
)

func AllRegions() []Region {
	return []Region{RegionCN, RegionUS, RegionHK, RegionJP, RegionSG}
}

func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRegions() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown region %q: must be one of %v", s, AllRegions())
}

func (r Region) String() string {
	return string(r)
}

func (r Region) IsDomestic() bool {
	return r == RegionCN
}

func (r Region) IsInternational() bool {
	return !r.IsDomestic()
}

// IsPrimary reports whether r is the primary international region.
func (r Region) IsPrimary() bool {
	return r == RegionUS
}

// IsSecondary reports whether r is one of the secondary international regions.
func (r Region) IsSecondary() bool {
	return r == RegionHK || r == RegionJP || r == RegionSG
}

func (r Region) Family() Family {
	if r.IsDomestic() {
		return FamilyDomestic
	}
	return FamilyInternational
}

// AssistantID is the aid the backend expects in http_common_info and query strings.
func (r Region) AssistantID() int {
	if r.IsDomestic() {
		return AssistantIDDomestic
	}
	return AssistantIDInternational
}

// DisplayName is the human readable site name used in log lines and listings.
func (r Region) DisplayName() string {
	switch r {
	case RegionCN:
		return "domestic site"
	case RegionUS:
		return "US site"
	case RegionHK:
		return "Hong Kong site"
	case RegionJP:
		return "Japan site"
	case RegionSG:
		return "Singapore site"
	default:
		return string(r)
	}
}

// RegionContext is derived from a session token outside this module and is
// read-only for the policy engine.
type RegionContext struct {
	Region Region
}

func (c RegionContext) IsDomestic() bool {
	return c.Region.IsDomestic()
}

func (c RegionContext) IsInternational() bool {
	return c.Region.IsInternational()
}

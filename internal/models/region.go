package models

import "strings"

// Region identifies one of the fixed backend deployments a user's data can live in.
type Region string

const (
	RegionAU Region = "au"
	RegionUK Region = "uk"
	RegionUS Region = "us"
)

// DefaultRegion is used when no preference, timezone or IP hint resolves.
const DefaultRegion = RegionAU

// AllRegions lists every known region in a stable order.
func AllRegions() []Region {
	return []Region{RegionAU, RegionUK, RegionUS}
}

// ParseRegion normalizes s and reports whether it names a known region.
func ParseRegion(s string) (Region, bool) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RegionAU, RegionUK, RegionUS:
		return r, true
	}
	return "", false
}

// IsValid reports whether r is a known region identifier.
func (r Region) IsValid() bool {
	_, ok := ParseRegion(string(r))
	return ok
}

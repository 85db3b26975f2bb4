package dispatch

import "fmt"

// Region identifies the deployment region a worker or test case belongs to.
// It is a closed enumeration: job/worker region comparisons must be exact,
// so free-text regions are rejected at the boundary.
type Region string

const (
	RegionNA   Region = "na"
	RegionEU   Region = "eu"
	RegionAPAC Region = "apac"
	RegionSA   Region = "sa"
)

// Regions lists all valid regions.
func Regions() []Region {
	return []Region{RegionNA, RegionEU, RegionAPAC, RegionSA}
}

// IsValid reports whether r is one of the closed set of regions.
func (r Region) IsValid() bool {
	switch r {
	case RegionNA, RegionEU, RegionAPAC, RegionSA:
		return true
	}
	return false
}

// String returns the wire representation of the region.
func (r Region) String() string { return string(r) }

// ParseRegion parses a wire-format region string.
func ParseRegion(s string) (Region, error) {
	r := Region(s)
	if !r.IsValid() {
		return "", fmt.Errorf("dispatch: unknown region %q", s)
	}
	return r, nil
}

package region

import (
	"strings"

	"github.com/BTreeMap/meeka/internal/models"
)

// FromTimezone maps an IANA timezone name to a region.
func FromTimezone(tz string) (models.Region, bool) {
	tz = strings.TrimSpace(tz)
	switch {
	case tz == "":
		return "", false
	case strings.HasPrefix(tz, "Australia/"):
		return models.RegionAU, true
	case tz == "Europe/London" || tz == "Europe/Dublin":
		return models.RegionUK, true
	case strings.HasPrefix(tz, "America/"):
		return models.RegionUS, true
	case strings.HasPrefix(tz, "Europe/"):
		return models.RegionUK, true
	}
	return "", false
}

var countryRegions = map[string]models.Region{
	"AU": models.RegionAU,
	"NZ": models.RegionAU,
	"GB": models.RegionUK,
	"UK": models.RegionUK,
	"IE": models.RegionUK,
	"US": models.RegionUS,
	"CA": models.RegionUS,
	"MX": models.RegionUS,
}

// restOfEurope is bucketed into the UK region.
var restOfEurope = map[string]bool{
	"AT": true, "BE": true, "BG": true, "CH": true, "CY": true, "CZ": true, "DE": true,
	"DK": true, "EE": true, "ES": true, "FI": true, "FR": true, "GR": true, "HR": true,
	"HU": true, "IS": true, "IT": true, "LI": true, "LT": true, "LU": true, "LV": true,
	"MT": true, "NL": true, "NO": true, "PL": true, "PT": true, "RO": true, "SE": true,
	"SI": true, "SK": true,
}

// FromCountry maps an ISO 3166-1 alpha-2 country code to a region.
func FromCountry(code string) (models.Region, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if r, ok := countryRegions[code]; ok {
		return r, true
	}
	if restOfEurope[code] {
		return models.RegionUK, true
	}
	return "", false
}

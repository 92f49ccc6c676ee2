package transform

// SectorUnknown is the label for industry codes outside the known ranges,
// including the enrichment engine's catch-all code.
const SectorUnknown = "UNKNOWN"

// naicsSectors maps 2-digit industry code prefixes to sector labels.
// Manufacturing, retail, and transportation span multiple prefixes.
var naicsSectors = map[string]string{
	"11": "Agriculture, Forestry, Fishing and Hunting",
	"21": "Mining, Quarrying, and Oil and Gas Extraction",
	"22": "Utilities",
	"23": "Construction",
	"31": "Manufacturing",
	"32": "Manufacturing",
	"33": "Manufacturing",
	"42": "Wholesale Trade",
	"44": "Retail Trade",
	"45": "Retail Trade",
	"48": "Transportation and Warehousing",
	"49": "Transportation and Warehousing",
	"51": "Information",
	"52": "Finance and Insurance",
	"53": "Real Estate and Rental and Leasing",
	"54": "Professional, Scientific, and Technical Services",
	"55": "Management of Companies and Enterprises",
	"56": "Administrative and Support and Waste Management",
	"61": "Educational Services",
	"62": "Health Care and Social Assistance",
	"71": "Arts, Entertainment, and Recreation",
	"72": "Accommodation and Food Services",
	"81": "Other Services",
	"92": "Public Administration",
}

// SectorForNAICS maps a 6-digit industry code to its sector label.
// Unknown or malformed codes, including the catch-all fallback, map to
// SectorUnknown.
func SectorForNAICS(naics string) string {
	if len(naics) < 2 {
		return SectorUnknown
	}
	if sector, ok := naicsSectors[naics[:2]]; ok {
		return sector
	}
	return SectorUnknown
}

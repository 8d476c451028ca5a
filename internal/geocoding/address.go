package geocoding

import (
	"strings"
	"unicode"
)

// AddressFields are the raw address parts a transaction record carries.
type AddressFields struct {
	Province     string
	District     string
	Neighborhood string
	LotNumber    string
	RoadName     string
	RoadMain     string
	RoadSub      string
	Name         string
}

// Queries are the three cascade inputs in precedence order. Empty strings are skipped.
type Queries struct {
	Road    string
	Lot     string
	Keyword string
}

func BuildQueries(f AddressFields) Queries {
	return Queries{
		Road:    RoadAddress(f.Province, f.District, f.RoadName, f.RoadMain, f.RoadSub),
		Lot:     LotAddress(f.Province, f.District, f.Neighborhood, f.LotNumber),
		Keyword: KeywordQuery(f.Province, f.District, f.Name),
	}
}

// RoadAddress builds "province district road main[-sub]" with leading zeros removed
// from the building numbers. Returns "" when the road name or main number is missing.
func RoadAddress(province, district, road, main, sub string) string {
	road = strings.TrimSpace(road)
	main = trimZeros(main)
	if road == "" || main == "" {
		return ""
	}
	number := main
	if sub = trimZeros(sub); sub != "" {
		number += "-" + sub
	}
	return join(province, district, road, number)
}

// LotAddress builds "province district neighborhood lot". Non-digits are removed from
// each part of the lot number; the main-sub separator is kept.
func LotAddress(province, district, neighborhood, lot string) string {
	neighborhood = strings.TrimSpace(neighborhood)
	lot = cleanLot(lot)
	if neighborhood == "" || lot == "" {
		return ""
	}
	return join(province, district, neighborhood, lot)
}

// KeywordQuery builds the free-text fallback "province district name".
func KeywordQuery(province, district, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return join(province, district, name)
}

func trimZeros(s string) string {
	return strings.TrimLeft(strings.TrimSpace(s), "0")
}

func cleanLot(lot string) string {
	var parts []string
	// The hyphen separates main and sub lot numbers ("12-3"); the lookup needs both.
	for _, part := range strings.Split(lot, "-") {
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, part)
		if digits = strings.TrimLeft(digits, "0"); digits != "" {
			parts = append(parts, digits)
		}
	}
	return strings.Join(parts, "-")
}

func join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

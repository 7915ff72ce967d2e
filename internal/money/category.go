// Package money holds the shared monetary primitives used across the
// sponsorship core: minor-unit integer amounts and the canonical budget
// category enum.
package money

import "strings"

// Category is one of the fixed canonical budget categories. Matching is
// case-insensitive exact; there is no aliasing.
type Category string

// Canonical categories, per the glossary.
const (
	CategoryTuition                    Category = "Tuition"
	CategoryHousing                    Category = "Housing"
	CategoryBooks                      Category = "Books"
	CategoryFoodGroceries              Category = "Food & Groceries"
	CategoryRestaurantsFastFood        Category = "Restaurants & Fast Food"
	CategoryTransport                  Category = "Transport"
	CategoryUtilities                  Category = "Utilities"
	CategoryDataAirtime                Category = "Data & Airtime"
	CategoryHardware                   Category = "Hardware"
	CategoryLibraries                  Category = "Libraries"
	CategoryLabsClassrooms             Category = "Labs & Classrooms"
	CategoryHealthWellness             Category = "Health & Wellness"
	CategoryStudentCenterSocieties     Category = "Student Center & Societies"
	CategorySportsRecreation           Category = "Sports & Recreation"
	CategoryArtsCulture                Category = "Arts & Culture"
	CategoryCampusAccommodationServ    Category = "Campus Accommodation Services"
	CategoryStationerySupplies         Category = "Stationery & Supplies"
	CategoryApparel                    Category = "Apparel"
	CategoryFinancialServices          Category = "Financial Services"
	CategoryOther                      Category = "Other"
	CategoryGeneralRetail              Category = "General Retail"
)

var canonicalCategories = []Category{
	CategoryTuition, CategoryHousing, CategoryBooks, CategoryFoodGroceries,
	CategoryRestaurantsFastFood, CategoryTransport, CategoryUtilities,
	CategoryDataAirtime, CategoryHardware, CategoryLibraries,
	CategoryLabsClassrooms, CategoryHealthWellness,
	CategoryStudentCenterSocieties, CategorySportsRecreation,
	CategoryArtsCulture, CategoryCampusAccommodationServ,
	CategoryStationerySupplies, CategoryApparel, CategoryFinancialServices,
	CategoryOther, CategoryGeneralRetail,
}

var canonicalByUpper = func() map[string]Category {
	m := make(map[string]Category, len(canonicalCategories))
	for _, c := range canonicalCategories {
		m[strings.ToUpper(string(c))] = c
	}
	return m
}()

// Canonicalize matches s against the fixed category set, case-insensitive,
// exact (no aliasing). It returns the canonical form and true on a match.
func Canonicalize(s string) (Category, bool) {
	c, ok := canonicalByUpper[strings.ToUpper(strings.TrimSpace(s))]
	return c, ok
}

// Categories returns the fixed set of canonical categories.
func Categories() []Category {
	out := make([]Category, len(canonicalCategories))
	copy(out, canonicalCategories)
	return out
}

package model

// RuleCategory names a normalization rule table.
type RuleCategory string

const (
	CategoryInstallation  RuleCategory = "installation_type"
	CategoryMaterial      RuleCategory = "product_material"
	CategoryGrade         RuleCategory = "grade_of_material"
	CategoryStyle         RuleCategory = "style"
	CategoryLocation      RuleCategory = "application_location"
	CategoryDrainPosition RuleCategory = "drain_position"
	CategoryWarranty      RuleCategory = "warranty"
)

// StandardCategories are the title-driven categories, in the order the rules
// engine applies them. Each category standardizes the field of the same name.
var StandardCategories = []RuleCategory{
	CategoryInstallation,
	CategoryMaterial,
	CategoryGrade,
	CategoryStyle,
	CategoryLocation,
	CategoryDrainPosition,
}

// AllCategories lists every category a rule source is expected to provide.
var AllCategories = append(append([]RuleCategory(nil), StandardCategories...), CategoryWarranty)

// Rule maps a search term to a standard value within a category. An empty
// StandardValue means the matched field is cleared.
type Rule struct {
	Category      RuleCategory `json:"category" yaml:"category"`
	SearchTerm    string       `json:"search_term" yaml:"search_term"`
	StandardValue string       `json:"standard_value" yaml:"standard_value"`
}

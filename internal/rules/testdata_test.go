package rules

import "github.com/sells-group/catalog-cli/internal/model"

func sampleRules() []model.Rule {
	return []model.Rule{
		{Category: model.CategoryInstallation, SearchTerm: "under mount", StandardValue: "Undermount"},
		{Category: model.CategoryInstallation, SearchTerm: "undermount", StandardValue: "Undermount"},
		{Category: model.CategoryInstallation, SearchTerm: "drop in", StandardValue: "Topmount"},
		{Category: model.CategoryInstallation, SearchTerm: "inset", StandardValue: "Topmount"},
		{Category: model.CategoryMaterial, SearchTerm: "granite", StandardValue: "Granite"},
		{Category: model.CategoryMaterial, SearchTerm: "stainless", StandardValue: "Stainless Steel"},
		{Category: model.CategoryMaterial, SearchTerm: "ss304", StandardValue: "Stainless Steel"},
		{Category: model.CategoryMaterial, SearchTerm: "unknown", StandardValue: ""},
		{Category: model.CategoryGrade, SearchTerm: "304", StandardValue: "304 Grade"},
		{Category: model.CategoryStyle, SearchTerm: "farmhouse", StandardValue: "Farmhouse"},
		{Category: model.CategoryStyle, SearchTerm: "butler", StandardValue: "Butler"},
		{Category: model.CategoryLocation, SearchTerm: "kitchen", StandardValue: "Kitchen"},
		{Category: model.CategoryLocation, SearchTerm: "laundry", StandardValue: "Laundry"},
		{Category: model.CategoryDrainPosition, SearchTerm: "rear", StandardValue: "Rear"},
		{Category: model.CategoryWarranty, SearchTerm: "abey", StandardValue: "25"},
		{Category: model.CategoryWarranty, SearchTerm: "oliveri", StandardValue: "15"},
	}
}

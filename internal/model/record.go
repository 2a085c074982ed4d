package model

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Known semantic field names shared by every collection.
const (
	FieldTitle            = "title"
	FieldVendor           = "vendor"
	FieldBrand            = "brand"
	FieldSKU              = "sku"
	FieldSourceURL        = "source_url"
	FieldInstallationType = "installation_type"
	FieldMaterial         = "product_material"
	FieldGrade            = "grade_of_material"
	FieldStyle            = "style"
	FieldLocation         = "application_location"
	FieldDrainPosition    = "drain_position"
	FieldWarranty         = "warranty_years"
	FieldIsUndermount     = "is_undermount"
	FieldIsTopmount       = "is_topmount"
	FieldIsFlushmount     = "is_flushmount"
	FieldLength           = "length_mm"
	FieldWidth            = "overall_width_mm"
	FieldDepth            = "overall_depth_mm"
	FieldMinCabinetSize   = "min_cabinet_size_mm"
	FieldCubicWeight      = "cubic_weight"
	FieldHasOverflow      = "has_overflow"
	FieldBowlsNumber      = "bowls_number"
	FieldBodyHTML         = "body_html"
	FieldFeatures         = "features"
	FieldCareInstructions = "care_instructions"
	FieldEnrichmentStatus = "enrichment_status"
	FieldQualityScore     = "quality_score"
	FieldRowNumber        = "row_number"
	FieldUpdatedAt        = "updated_at"
	FieldSyncedAt         = "synced_at"
	FieldSyncSource       = "sync_source"
)

// Boolean values as they are stored in both backing stores.
const (
	BoolTrue  = "TRUE"
	BoolFalse = "FALSE"
)

// MetaFields are bookkeeping fields that never take part in a field diff.
var MetaFields = map[string]bool{
	FieldUpdatedAt:  true,
	FieldSyncedAt:   true,
	FieldSyncSource: true,
}

// CoreFields holds the semantic fields every collection understands.
type CoreFields struct {
	Title            string `json:"title,omitempty"`
	Vendor           string `json:"vendor,omitempty"`
	Brand            string `json:"brand,omitempty"`
	SKU              string `json:"sku,omitempty"`
	SourceURL        string `json:"source_url,omitempty"`
	InstallationType string `json:"installation_type,omitempty"`
	Material         string `json:"product_material,omitempty"`
	Grade            string `json:"grade_of_material,omitempty"`
	Style            string `json:"style,omitempty"`
	Location         string `json:"application_location,omitempty"`
	DrainPosition    string `json:"drain_position,omitempty"`
	Warranty         string `json:"warranty_years,omitempty"`
	IsUndermount     string `json:"is_undermount,omitempty"`
	IsTopmount       string `json:"is_topmount,omitempty"`
	IsFlushmount     string `json:"is_flushmount,omitempty"`
	Length           string `json:"length_mm,omitempty"`
	Width            string `json:"overall_width_mm,omitempty"`
	Depth            string `json:"overall_depth_mm,omitempty"`
	MinCabinetSize   string `json:"min_cabinet_size_mm,omitempty"`
	CubicWeight      string `json:"cubic_weight,omitempty"`
	HasOverflow      string `json:"has_overflow,omitempty"`
	BowlsNumber      string `json:"bowls_number,omitempty"`
	BodyHTML         string `json:"body_html,omitempty"`
	Features         string `json:"features,omitempty"`
	CareInstructions string `json:"care_instructions,omitempty"`
	EnrichmentStatus string `json:"enrichment_status,omitempty"`
}

// Record is one product's field values, keyed by a stable row number shared
// by both stores. Collection-specific fields live in Extra. QualityScore is nil
// until a score is set, so a zero score is kept as a value.
type Record struct {
	RowNumber    int               `json:"row_number"`
	Collection   string            `json:"collection,omitempty"`
	Core         CoreFields        `json:"core"`
	Extra        map[string]string `json:"extra,omitempty"`
	QualityScore *float64          `json:"quality_score,omitempty"`
}

// NewRecord builds a Record from a flat field map.
func NewRecord(collection string, rowNumber int, fields map[string]string) Record {
	r := Record{RowNumber: rowNumber, Collection: collection}
	for k, v := range fields {
		r.Set(k, v)
	}
	return r
}

func (r *Record) corePtr(name string) *string {
	c := &r.Core
	switch name {
	case FieldTitle:
		return &c.Title
	case FieldVendor:
		return &c.Vendor
	case FieldBrand:
		return &c.Brand
	case FieldSKU:
		return &c.SKU
	case FieldSourceURL:
		return &c.SourceURL
	case FieldInstallationType:
		return &c.InstallationType
	case FieldMaterial:
		return &c.Material
	case FieldGrade:
		return &c.Grade
	case FieldStyle:
		return &c.Style
	case FieldLocation:
		return &c.Location
	case FieldDrainPosition:
		return &c.DrainPosition
	case FieldWarranty:
		return &c.Warranty
	case FieldIsUndermount:
		return &c.IsUndermount
	case FieldIsTopmount:
		return &c.IsTopmount
	case FieldIsFlushmount:
		return &c.IsFlushmount
	case FieldLength:
		return &c.Length
	case FieldWidth:
		return &c.Width
	case FieldDepth:
		return &c.Depth
	case FieldMinCabinetSize:
		return &c.MinCabinetSize
	case FieldCubicWeight:
		return &c.CubicWeight
	case FieldHasOverflow:
		return &c.HasOverflow
	case FieldBowlsNumber:
		return &c.BowlsNumber
	case FieldBodyHTML:
		return &c.BodyHTML
	case FieldFeatures:
		return &c.Features
	case FieldCareInstructions:
		return &c.CareInstructions
	case FieldEnrichmentStatus:
		return &c.EnrichmentStatus
	}
	return nil
}

// IsCoreField reports whether name is one of the typed semantic fields.
func IsCoreField(name string) bool {
	var r Record
	return r.corePtr(name) != nil
}

// Get returns the value of a field by semantic name. Absent fields are "".
func (r *Record) Get(name string) string {
	switch name {
	case FieldRowNumber:
		if r.RowNumber == 0 {
			return ""
		}
		return strconv.Itoa(r.RowNumber)
	case FieldQualityScore:
		if r.QualityScore == nil {
			return r.Extra[FieldQualityScore]
		}
		return formatScore(*r.QualityScore)
	}
	if p := r.corePtr(name); p != nil {
		return *p
	}
	return r.Extra[name]
}

// Set assigns a field by semantic name. Setting "" clears the field.
// row_number is ignored once assigned.
func (r *Record) Set(name, value string) {
	switch name {
	case FieldRowNumber:
		if r.RowNumber == 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				r.RowNumber = n
			}
		}
		return
	case FieldQualityScore:
		r.QualityScore = nil
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			r.SetScore(f)
			return
		}
	}
	if p := r.corePtr(name); p != nil {
		*p = value
		return
	}
	if value == "" {
		delete(r.Extra, name)
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]string)
	}
	r.Extra[name] = value
}

// SetScore records a quality score, replacing any raw value.
func (r *Record) SetScore(score float64) {
	r.QualityScore = &score
	delete(r.Extra, FieldQualityScore)
}

// Score returns the quality score and whether one is set.
func (r *Record) Score() (float64, bool) {
	if r.QualityScore == nil {
		return 0, false
	}
	return *r.QualityScore, true
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// Has reports whether a field carries a non-blank value.
func (r *Record) Has(name string) bool {
	return strings.TrimSpace(r.Get(name)) != ""
}

// Fields flattens the record into a field→value map. Empty values and the
// row number are omitted.
func (r *Record) Fields() map[string]string {
	out := make(map[string]string, len(r.Extra)+8)
	for _, name := range coreFieldNames {
		if v := r.Get(name); v != "" {
			out[name] = v
		}
	}
	for k, v := range r.Extra {
		if v != "" {
			out[k] = v
		}
	}
	if r.QualityScore != nil {
		out[FieldQualityScore] = formatScore(*r.QualityScore)
	}
	return out
}

// FieldNames returns the sorted names of all non-empty fields.
func (r *Record) FieldNames() []string {
	return slices.Sorted(maps.Keys(r.Fields()))
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.Extra = maps.Clone(r.Extra)
	if r.QualityScore != nil {
		score := *r.QualityScore
		c.QualityScore = &score
	}
	return c
}

// Merge copies every non-empty value from fields into the record.
func (r *Record) Merge(fields map[string]string) {
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		r.Set(k, v)
	}
}

// Changed returns the fields of next whose value differs from r, including
// fields that next cleared.
func (r *Record) Changed(next *Record) map[string]string {
	before := r.Fields()
	after := next.Fields()
	out := make(map[string]string)
	for k, v := range after {
		if before[k] != v {
			out[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out[k] = ""
		}
	}
	return out
}

var coreFieldNames = []string{
	FieldTitle, FieldVendor, FieldBrand, FieldSKU, FieldSourceURL,
	FieldInstallationType, FieldMaterial, FieldGrade, FieldStyle, FieldLocation,
	FieldDrainPosition, FieldWarranty, FieldIsUndermount, FieldIsTopmount,
	FieldIsFlushmount, FieldLength, FieldWidth, FieldDepth, FieldMinCabinetSize,
	FieldCubicWeight, FieldHasOverflow, FieldBowlsNumber, FieldBodyHTML,
	FieldFeatures, FieldCareInstructions, FieldEnrichmentStatus,
}

// CoreFieldNames returns the typed semantic field names in canonical order.
func CoreFieldNames() []string {
	return slices.Clone(coreFieldNames)
}

package rules

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/catalog-cli/internal/model"
)

// Engine applies a rule Set and the derived-field formulas to records.
type Engine struct {
	set *Set
}

// NewEngine binds an engine to a Set. Pass a Cache snapshot so the rules stay
// fixed for the whole job.
func NewEngine(set *Set) *Engine {
	if set == nil {
		set = NewSet(nil)
	}
	return &Engine{set: set}
}

// Set returns the rules the engine applies.
func (e *Engine) Set() *Set { return e.set }

// Normalize returns a normalized copy of r. A non-empty title replaces the
// record's own title for matching and derivation; the record's title field
// is left as is. vendor only fills the vendor field when the record has
// none. Applying Normalize to its own output yields the same record.
func (e *Engine) Normalize(r *model.Record, title, vendor string) model.Record {
	out := r.Clone()
	if title == "" {
		title = out.Get(model.FieldTitle)
	}
	if vendor != "" && !out.Has(model.FieldVendor) {
		out.Set(model.FieldVendor, vendor)
	}

	e.standardize(&out, title)
	e.assignWarranty(&out)
	deriveInstallation(&out)
	deriveDimensions(&out)
	deriveOverflow(&out, title)
	syncBrandVendor(&out)
	deriveBowls(&out, title)

	return out
}

func (e *Engine) standardize(r *model.Record, title string) {
	for _, c := range model.StandardCategories {
		field := string(c)
		if c == model.CategoryInstallation {
			if parts := splitInstallation(r.Get(field)); len(parts) > 1 {
				r.Set(field, e.standardizeCompound(parts, title))
				continue
			}
		}
		if v, ok := e.set.Table(c).Standardize(r.Get(field), title); ok {
			r.Set(field, v)
		}
	}
}

// standardizeCompound standardizes each part of a compound installation type
// on its own so "Topmount & Undermount" keeps both methods. Parts are joined
// with " & " and deduplicated. If every part is cleared the title decides.
func (e *Engine) standardizeCompound(parts []string, title string) string {
	t := e.set.Table(model.CategoryInstallation)
	var out []string
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		v, _ := t.Standardize(p, "")
		if v == "" || seen[fold(v)] {
			continue
		}
		seen[fold(v)] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		v, _ := t.Standardize("", title)
		return v
	}
	return strings.Join(out, " & ")
}

func splitInstallation(s string) []string {
	var parts []string
	for _, p := range installSeparators.Split(s, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// assignWarranty looks up the vendor the record carries once brand/vendor
// sync has run, so a second pass resolves the same rule.
func (e *Engine) assignWarranty(r *model.Record) {
	vendor := r.Get(model.FieldBrand)
	if strings.TrimSpace(vendor) == "" {
		vendor = r.Get(model.FieldVendor)
	}
	if strings.TrimSpace(vendor) == "" {
		return
	}
	if rule, ok := e.set.Table(model.CategoryWarranty).Match(vendor); ok {
		r.Set(model.FieldWarranty, rule.StandardValue)
	}
}

var installSeparators = regexp.MustCompile(`(?i)\s*(?:&|\+|/|,|\band\b)\s*`)

var installKeywords = []struct {
	field    string
	keywords []string
}{
	{model.FieldIsUndermount, []string{"undermount"}},
	{model.FieldIsTopmount, []string{"topmount", "dropin", "surfacemount", "overmount", "inset"}},
	{model.FieldIsFlushmount, []string{"flushmount", "flush"}},
}

// InstallationFlags splits a compound installation type and reports which of
// undermount, topmount and flushmount it names.
func InstallationFlags(installation string) (under, top, flush bool) {
	found := make(map[string]bool, len(installKeywords))
	for _, part := range splitInstallation(installation) {
		compact := strings.NewReplacer(" ", "", "-", "", "_", "").Replace(fold(part))
		for _, k := range installKeywords {
			for _, kw := range k.keywords {
				if strings.Contains(compact, kw) {
					found[k.field] = true
				}
			}
		}
	}
	return found[model.FieldIsUndermount], found[model.FieldIsTopmount], found[model.FieldIsFlushmount]
}

func deriveInstallation(r *model.Record) {
	under, top, flush := InstallationFlags(r.Get(model.FieldInstallationType))
	r.Set(model.FieldIsUndermount, boolString(under))
	r.Set(model.FieldIsTopmount, boolString(top))
	r.Set(model.FieldIsFlushmount, boolString(flush))
}

func boolString(b bool) string {
	if b {
		return model.BoolTrue
	}
	return model.BoolFalse
}

// cabinetSteps are the standard minimum cabinet sizes in millimetres.
var cabinetSteps = []int{300, 400, 500, 600, 700, 800, 900, 1000, 1100, 1200}

// MinCabinetSize returns the smallest standard cabinet that fits a sink of the
// given width. Widths beyond the table round up to the nearest 50.
func MinCabinetSize(width float64) int {
	need := width + 50
	for _, s := range cabinetSteps {
		if float64(s) >= need {
			return s
		}
	}
	return int(math.Ceil(need/50) * 50)
}

// CubicWeight returns (l*w*(d+100))/5,000,000 rounded to two decimals.
func CubicWeight(length, width, depth float64) float64 {
	return math.Round(length*width*(depth+100)/5_000_000*100) / 100
}

func parseDimension(v string) (float64, bool) {
	v = strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "mm"))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func deriveDimensions(r *model.Record) {
	width, wOK := parseDimension(r.Get(model.FieldWidth))

	if !r.Has(model.FieldMinCabinetSize) && wOK {
		r.Set(model.FieldMinCabinetSize, strconv.Itoa(MinCabinetSize(width)))
	}

	if !r.Has(model.FieldCubicWeight) && wOK {
		length, lOK := parseDimension(r.Get(model.FieldLength))
		depth, dOK := parseDimension(r.Get(model.FieldDepth))
		if lOK && dOK {
			r.Set(model.FieldCubicWeight, strconv.FormatFloat(CubicWeight(length, width, depth), 'f', 2, 64))
		}
	}
}

func deriveOverflow(r *model.Record, title string) {
	switch {
	case strings.Contains(fold(title), "overflow"):
		r.Set(model.FieldHasOverflow, model.BoolTrue)
	case !r.Has(model.FieldHasOverflow):
		r.Set(model.FieldHasOverflow, model.BoolFalse)
	}
}

func syncBrandVendor(r *model.Record) {
	brand := strings.TrimSpace(r.Get(model.FieldBrand))
	vendor := strings.TrimSpace(r.Get(model.FieldVendor))
	switch {
	case brand != "" && vendor != brand:
		r.Set(model.FieldVendor, brand)
	case brand == "" && vendor != "":
		r.Set(model.FieldBrand, vendor)
	}
}

var bowlPatterns = []struct {
	re    *regexp.Regexp
	count string
}{
	{regexp.MustCompile(`(?i)\b(?:double|dual|two|twin)\b`), "2"},
	{regexp.MustCompile(`(?i)\b(?:one[\s-]+and[\s-]+(?:a[\s-]+)?half|1\.5|1\s+1/2)\b`), "1.5"},
	{regexp.MustCompile(`(?i)\b(?:single|one)\b`), "1"},
	{regexp.MustCompile(`(?i)\b(?:triple|three)\b`), "3"},
}

// BowlCount reads the bowl count from a title, "" when no phrase matches.
func BowlCount(title string) string {
	for _, p := range bowlPatterns {
		if p.re.MatchString(title) {
			return p.count
		}
	}
	return ""
}

func deriveBowls(r *model.Record, title string) {
	if r.Has(model.FieldBowlsNumber) {
		return
	}
	if n := BowlCount(title); n != "" {
		r.Set(model.FieldBowlsNumber, n)
	}
}

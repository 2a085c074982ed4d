package registry

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/catalog-cli/internal/model"
)

// Problem is one field that failed validation.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string { return p.Field + ": " + p.Message }

// CheckValue validates a single non-empty value against its definition.
func CheckValue(def FieldDef, value string) error {
	value = strings.TrimSpace(value)
	switch def.Type {
	case TypeNumber:
		return validate.Var(value, "numeric")
	case TypeBoolean:
		if !strings.EqualFold(value, model.BoolTrue) && !strings.EqualFold(value, model.BoolFalse) {
			return fmt.Errorf("must be %s or %s", model.BoolTrue, model.BoolFalse)
		}
	case TypeURL:
		return validate.Var(value, "http_url")
	case TypeChoice:
		for _, opt := range def.Options {
			if strings.EqualFold(opt, value) {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(def.Options, ", "))
	}
	return nil
}

// Validate checks a record against the collection's fields. The score is the
// share of registry fields holding a valid non-empty value, to two decimals.
func (c *Collection) Validate(r *model.Record) (float64, []Problem) {
	if len(c.Fields) == 0 {
		return 0, nil
	}

	var (
		valid    int
		problems []Problem
	)
	for _, f := range c.Fields {
		v := strings.TrimSpace(r.Get(f.Name))
		if v == "" {
			if f.Required {
				problems = append(problems, Problem{Field: f.Name, Message: "required"})
			}
			continue
		}
		if err := CheckValue(f, v); err != nil {
			problems = append(problems, Problem{Field: f.Name, Message: err.Error()})
			continue
		}
		valid++
	}

	score := math.Round(float64(valid)/float64(len(c.Fields))*100) / 100
	return score, problems
}

package recordstore

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// toDocKeys renames fields to their document keys. Unregistered fields, such
// as the sync markers, keep their names.
func toDocKeys(coll *registry.Collection, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[coll.DocKeyOf(k)] = v
	}
	return out
}

// fromDocKeys is the inverse of toDocKeys.
func fromDocKeys(coll *registry.Collection, doc map[string]string) map[string]string {
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if f, ok := coll.FieldByDocKey(k); ok {
			out[f.Name] = v
			continue
		}
		out[k] = v
	}
	return out
}

// mergePatch encodes fields as a JSON merge patch keyed by document key.
// With overwrite, blank values become nulls so the merge removes them;
// without it blank values are left out.
func mergePatch(coll *registry.Collection, fields map[string]string, overwrite bool) ([]byte, bool, error) {
	patch := make(map[string]*string, len(fields))
	hasValue := false
	for k, v := range toDocKeys(coll, trimmed(fields)) {
		if v == "" {
			if overwrite {
				patch[k] = nil
			}
			continue
		}
		patch[k] = &v
		hasValue = true
	}
	if len(patch) == 0 {
		return nil, false, nil
	}
	data, err := json.Marshal(patch)
	return data, hasValue, eris.Wrap(err, "recordstore: marshal patch")
}

func trimmed(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == model.FieldRowNumber {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func decodeDoc(coll *registry.Collection, raw []byte) (map[string]string, error) {
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "recordstore: unmarshal document")
	}
	return fromDocKeys(coll, doc), nil
}

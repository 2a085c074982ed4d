package recordstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/registry"
)

const testRegistryYAML = `
collections:
  - name: sinks
    sheet:
      tab: Sinks
    natural_key: sku
    fields:
      - {name: title, column: 0}
      - {name: sku, column: 1}
      - {name: vendor, column: 2}
      - {name: product_material, column: 3, doc_key: material}
      - {name: installation_type, column: 4}
      - {name: source_url, column: 5, type: url}
      - {name: updated_at, column: 6}
      - {name: synced_at, column: 7}
`

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(testRegistryYAML))
	require.NoError(t, err)
	return reg
}

package storage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/botadmin/internal/schema"
)

func tableBlock(t *testing.T, ddl, table string) string {
	t.Helper()
	start := strings.Index(ddl, "CREATE TABLE IF NOT EXISTS "+table+" (")
	require.GreaterOrEqual(t, start, 0, "table %s is missing", table)
	end := strings.Index(ddl[start:], "\n);")
	require.Greater(t, end, 0)
	return ddl[start : start+end]
}

// The migration must stay in step with the schema both engines are driven by.
func TestMigrationMatchesSchema(t *testing.T) {
	files, err := MigrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_init.down.sql", "000001_init.up.sql"}, files)

	up, err := migrationFS.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	down, err := migrationFS.ReadFile("migrations/000001_init.down.sql")
	require.NoError(t, err)
	ddl := string(up)

	for _, m := range schema.Chatbots().Models() {
		t.Run(m.Name, func(t *testing.T) {
			block := tableBlock(t, ddl, m.Table)
			for _, f := range m.Fields {
				line := "\n    " + f.Column + " "
				assert.Contains(t, block, line, "column %s", f.Column)
				idx := strings.Index(block, line)
				decl := block[idx+1:]
				decl = decl[:strings.Index(decl, "\n")]
				if f.Nullable || f.Primary {
					assert.NotContains(t, decl, "NOT NULL", f.Column)
				} else {
					assert.Contains(t, decl, "NOT NULL", f.Column)
				}
				if f.Unique && !f.Primary {
					assert.Contains(t, block, fmt.Sprintf("CONSTRAINT %s_%s_key UNIQUE (%s)", m.Table, f.Column, f.Column))
				}
			}
			for _, r := range m.Relations {
				if !r.Owning() {
					continue
				}
				local, _ := m.Field(r.LocalField)
				target := m.Target(r)
				assert.Contains(t, block, fmt.Sprintf("CONSTRAINT %s_%s_fkey FOREIGN KEY (%s) REFERENCES %s (id) ON DELETE %s",
					m.Table, local.Column, local.Column, target.Table, r.OnDelete.SQL()))
			}
			assert.Contains(t, string(down), "DROP TABLE IF EXISTS "+m.Table)
		})
	}
}

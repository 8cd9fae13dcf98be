package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// SchemaVersion identifies the table layout below. It is written to
// PRAGMA user_version by Finalize, so a store reporting any other version is
// either incomplete or foreign.
const SchemaVersion = 1

// Table describes one of the four storage tables in column order.
type Table struct {
	Name    string
	Columns []string
	ddl     string
}

var (
	Entities = Table{
		Name:    "_objects_id",
		Columns: []string{"id", "external_id", "viewable_id"},
		ddl:     "CREATE TABLE _objects_id (id INTEGER PRIMARY KEY, external_id BLOB, viewable_id BLOB)",
	}
	Attributes = Table{
		Name: "_objects_attr",
		Columns: []string{"id", "name", "category", "data_type", "data_type_context",
			"description", "display_name", "flags", "display_precision"},
		ddl: "CREATE TABLE _objects_attr (id INTEGER PRIMARY KEY, name TEXT, category TEXT, data_type INTEGER, " +
			"data_type_context TEXT, description TEXT, display_name TEXT, flags INTEGER, display_precision INTEGER)",
	}
	Values = Table{
		Name:    "_objects_val",
		Columns: []string{"id", "value"},
		ddl:     "CREATE TABLE _objects_val (id INTEGER PRIMARY KEY, value BLOB)",
	}
	Associations = Table{
		Name:    "_objects_eav",
		Columns: []string{"id", "entity_id", "attribute_id", "value_id"},
		ddl:     "CREATE TABLE _objects_eav (id INTEGER PRIMARY KEY, entity_id INTEGER, attribute_id INTEGER, value_id INTEGER)",
	}
)

// Tables lists the storage tables in load order.
var Tables = []Table{Entities, Attributes, Values, Associations}

// InsertSQL returns a multi-row INSERT for rows rows.
func (t Table) InsertSQL(rows int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ") + ")"

	var b strings.Builder
	b.Grow(32 + len(t.Name) + rows*(len(tuple)+2))
	b.WriteString("INSERT INTO ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(t.Columns, ", "))
	b.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	return b.String()
}

// ViewName is the convenience view over the four tables.
const ViewName = "properties"

// viewQuery lists every visible property as (dbid, category, name, value).
// Categories wrapped in double underscores are implementation private.
const viewQuery = `SELECT ids.id AS dbid, attrs.category AS category,
       COALESCE(attrs.display_name, attrs.name) AS name, vals.value AS value
FROM _objects_eav eav
JOIN _objects_id ids ON ids.id = eav.entity_id
JOIN _objects_attr attrs ON attrs.id = eav.attribute_id
JOIN _objects_val vals ON vals.id = eav.value_id
WHERE attrs.category NOT LIKE '\_\_%\_\_' ESCAPE '\'
ORDER BY dbid`

// DefaultQuery is run when a caller supplies no query.
const DefaultQuery = "SELECT dbid, category, name, value FROM " + ViewName + " ORDER BY dbid"

var indices = []string{
	"CREATE INDEX idx_external_id ON _objects_id (external_id)",
	"CREATE INDEX idx_attr_category ON _objects_attr (category)",
	"CREATE INDEX idx_attr_name ON _objects_attr (name)",
	"CREATE INDEX idx_attr_display_name ON _objects_attr (display_name)",
	"CREATE INDEX idx_attr_value ON _objects_val (value)",
	"CREATE INDEX idx_dbid ON _objects_eav (entity_id)",
	"CREATE INDEX idx_attribute_id_value_id ON _objects_eav (attribute_id, value_id)",
}

// CreateTables creates the four storage tables without indices.
func CreateTables(ctx context.Context, db *sql.DB) error {
	return execAll(ctx, db, "failed to create tables", func() []string {
		stmts := make([]string, 0, len(Tables))
		for _, t := range Tables {
			stmts = append(stmts, t.ddl)
		}
		return stmts
	}())
}

// Finalize adds the view and the indices, then stamps SchemaVersion. It
// must run only after every row is loaded.
func Finalize(ctx context.Context, db *sql.DB) error {
	stmts := append([]string{"CREATE VIEW " + ViewName + " AS " + viewQuery}, indices...)
	stmts = append(stmts, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion))
	return execAll(ctx, db, "failed to finalize store", stmts)
}

func execAll(ctx context.Context, db *sql.DB, msg string, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeLoad, msg)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, errors.ErrorTypeLoad, msg).WithDetail("statement", stmt)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeLoad, msg)
	}
	return nil
}

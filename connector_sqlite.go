package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteMaxParams is SQLITE_MAX_VARIABLE_NUMBER of current SQLite builds.
const sqliteMaxParams = 32766

type sqliteConnector struct {
	sqlConnector
}

// sqliteAffinityTypes maps declared type names (without parameters) to
// canonical types. Unknown names fall back to String.
var sqliteAffinityTypes = map[string]ColumnType{
	"INTEGER":          TypeLong,
	"BIGINT":           TypeLong,
	"INT":              TypeInt,
	"SMALLINT":         TypeInt,
	"TINYINT":          TypeInt,
	"MEDIUMINT":        TypeInt,
	"REAL":             TypeDouble,
	"DOUBLE":           TypeDouble,
	"DOUBLE PRECISION": TypeDouble,
	"FLOAT":            TypeFloat,
	"NUMERIC":          TypeDecimal,
	"DECIMAL":          TypeDecimal,
	"BOOLEAN":          TypeBoolean,
	"BOOL":             TypeBoolean,
	"DATE":             TypeDateTime,
	"DATETIME":         TypeDateTime,
	"TIMESTAMP":        TypeDateTime,
	"TIMESTAMPTZ":      TypeDateTimeOffset,
	"TEXT":             TypeString,
	"CLOB":             TypeString,
	"VARCHAR":          TypeString,
	"NVARCHAR":         TypeString,
	"CHAR":             TypeFixedChar,
	"NCHAR":            TypeFixedChar,
	"UUID":             TypeGuid,
	"JSON":             TypeJson,
	"JSONB":            TypeJsonb,
	"BLOB":             TypeString,
}

var sqliteDDLTypes = map[ColumnType]string{
	TypeInt:            "INT",
	TypeLong:           "INTEGER",
	TypeFloat:          "FLOAT",
	TypeDouble:         "REAL",
	TypeDecimal:        "NUMERIC",
	TypeBoolean:        "BOOLEAN",
	TypeDateTime:       "DATETIME",
	TypeDateTimeOffset: "TIMESTAMPTZ",
	TypeGuid:           "UUID",
	TypeJson:           "JSON",
	TypeJsonb:          "JSONB",
	TypeArray:          "JSON",
}

func sqliteQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// normalizeAffinity extracts the base type name for SQLite's flexible type system.
func normalizeAffinity(declaredType string) string {
	dt := strings.TrimSpace(declaredType)
	if dt == "" {
		return "blob" // no declared type = BLOB affinity
	}

	// Extract base name before '('
	if idx := strings.IndexByte(dt, '('); idx >= 0 {
		dt = dt[:idx]
	}
	return strings.TrimSpace(dt)
}

// sqliteTypeLength returns the first type parameter, e.g. 40 for VARCHAR(40).
func sqliteTypeLength(declaredType string) int {
	open := strings.IndexByte(declaredType, '(')
	close := strings.LastIndexByte(declaredType, ')')
	if open < 0 || close <= open {
		return 0
	}
	first, _, _ := strings.Cut(declaredType[open+1:close], ",")
	n, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0
	}
	return n
}

// sqliteArrayPrefix marks array columns written by this tool. The element
// type follows it, so the declared type keeps the element's affinity.
const sqliteArrayPrefix = "ARRAY "

// sqliteMapType resolves a declared column type into a canonical type.
func sqliteMapType(declaredType string) (ColumnType, bool, int) {
	decl := strings.TrimSpace(declaredType)
	isArray := len(decl) > len(sqliteArrayPrefix) && strings.EqualFold(decl[:len(sqliteArrayPrefix)], sqliteArrayPrefix)
	if isArray {
		decl = decl[len(sqliteArrayPrefix):]
	}

	t, ok := sqliteAffinityTypes[strings.ToUpper(normalizeAffinity(decl))]
	if !ok {
		t = TypeString
	}
	maxLen := 0
	if t.isText() {
		maxLen = sqliteTypeLength(decl)
	}
	return t, isArray, maxLen
}

func sqliteDDLType(col Column) string {
	var typ string
	switch col.Type {
	case TypeString:
		if col.MaxLength > 0 {
			typ = fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
		} else {
			typ = "TEXT"
		}
	case TypeFixedChar:
		if col.MaxLength > 0 {
			typ = fmt.Sprintf("CHAR(%d)", col.MaxLength)
		} else {
			typ = "TEXT"
		}
	default:
		typ = sqliteDDLTypes[col.Type]
	}
	if col.IsArray && col.Type != TypeJson && col.Type != TypeJsonb && col.Type != TypeArray {
		typ = sqliteArrayPrefix + typ
	}
	return typ
}

// sqliteBind stores booleans as 0/1 and arrays as JSON text.
func sqliteBind(col Column, v string) (any, error) {
	if col.IsArray && col.Type != TypeJson && col.Type != TypeJsonb {
		return arrayToJSON(col, v)
	}
	if col.Type == TypeBoolean {
		if v == "true" {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return v, nil
}

// sqliteReadCell renders stored 0/1 booleans as true/false.
func sqliteReadCell(col Column, c Cell) Cell {
	if col.Type == TypeBoolean && !col.IsArray {
		if b, err := parseBoolCell(c.ValueString); err == nil {
			c.ValueString = strconv.FormatBool(b)
		}
	}
	return c
}

var sqliteDialect = sqlDialect{
	quote:       sqliteQuote,
	ddlType:     sqliteDDLType,
	placeholder: func(int, Column) string { return "?" },
	limitClause: "LIMIT ? OFFSET ?",
	maxParams:   sqliteMaxParams,
	bind:        sqliteBind,
}

// sqliteURI turns a file path or file: URI into a driver URI. In-memory
// databases are rejected because every connection would see its own database.
func sqliteURI(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite: database path is required")
	}
	if dsn == ":memory:" || dsn == "file::memory:" ||
		strings.Contains(dsn, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases are not supported (each sql.Open gets a separate DB)")
	}

	if !strings.HasPrefix(dsn, "file:") {
		return "file:" + dsn, nil
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	if u.Query().Get("mode") == "ro" {
		return "", fmt.Errorf("sqlite: read-only databases cannot be migrated (mode=ro)")
	}
	return dsn, nil
}

func newSQLiteConnector(ctx context.Context, dsn string) (*sqliteConnector, error) {
	uri, err := sqliteURI(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrConnectionFailure, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", ErrConnectionFailure, err)
	}
	return &sqliteConnector{
		sqlConnector: sqlConnector{db: db, dialect: sqliteDialect, readCell: sqliteReadCell},
	}, nil
}

func (s *sqliteConnector) Name() string { return "SQLite" }

func (s *sqliteConnector) ListTableNames(ctx context.Context) ([]string, error) {
	names, err := collectStringRows(ctx, s.db,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (s *sqliteConnector) DescribeTable(ctx context.Context, name string) (string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqliteQuote(name)))
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var cid, notnull, pk int
		var colName, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notnull, &dflt, &pk); err != nil {
			return "", fmt.Errorf("describe %s: %w", name, err)
		}
		col := Column{
			Name:         colName,
			IsPrimaryKey: pk > 0,
			Nullable:     notnull == 0 && pk == 0,
		}
		col.Type, col.IsArray, col.MaxLength = sqliteMapType(colType)
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	return describeColumns(name, cols)
}

func (s *sqliteConnector) ListRelations(ctx context.Context) ([]Relation, error) {
	tables, err := s.ListTableNames(ctx)
	if err != nil {
		return nil, err
	}

	var rels []Relation
	for _, table := range tables {
		fks, err := s.foreignKeys(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("list relations of %s: %w", table, err)
		}
		rels = append(rels, fks...)
	}

	// A foreign key declared without a column list references the parent's
	// primary key.
	for i := range rels {
		if rels[i].ParentColName != "" {
			continue
		}
		pk, err := s.primaryKeyColumn(ctx, rels[i].ParentTableName)
		if err != nil {
			return nil, fmt.Errorf("list relations of %s: %w", rels[i].ChildTableName, err)
		}
		rels[i].ParentColName = pk
	}
	return rels, nil
}

func (s *sqliteConnector) foreignKeys(ctx context.Context, table string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", sqliteQuote(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		if seq != 0 {
			continue
		}
		rels = append(rels, Relation{
			FKName:          fmt.Sprintf("fk_%s_%d", table, id),
			ParentTableName: refTable,
			ParentColName:   to.String,
			ChildTableName:  table,
			ChildColName:    from,
		})
	}
	return rels, rows.Err()
}

func (s *sqliteConnector) primaryKeyColumn(ctx context.Context, table string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT name FROM pragma_table_info(%s) WHERE pk = 1", sqliteLiteral(table)),
	).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("primary key of %s: %w", table, err)
	}
	return name, nil
}

func sqliteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CreateRelation is not available: SQLite cannot add a constraint to an
// existing table. Use the relation manifest to keep relation metadata.
func (s *sqliteConnector) CreateRelation(_ context.Context, rel Relation) (RelationMode, error) {
	return "", fmt.Errorf("%w: SQLite cannot add foreign key %s to an existing table", ErrUnsupportedOperation, rel.FKName)
}

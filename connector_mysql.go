package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlMaxParams is the placeholder limit of one MySQL statement.
const mysqlMaxParams = 65535

// mysqlDateTimeLayout is the literal format of datetime(6) values.
const mysqlDateTimeLayout = "2006-01-02 15:04:05.999999"

type mysqlConnector struct {
	sqlConnector
	dbName string
}

// mysqlColumnInfo is one row of INFORMATION_SCHEMA.COLUMNS.
type mysqlColumnInfo struct {
	Name       string
	DataType   string // lowercased DATA_TYPE, e.g. "tinyint"
	ColumnType string // lowercased COLUMN_TYPE, e.g. "tinyint(1) unsigned"
	CharMaxLen int64
	Precision  int64
	Nullable   bool
	Key        string
}

// mysqlNativeTypes maps DATA_TYPE to canonical types. Length-dependent cases
// (tinyint(1), binary(16), unsigned widening, SET) are resolved in mysqlMapType.
var mysqlNativeTypes = map[string]ColumnType{
	"varchar":    TypeString,
	"text":       TypeString,
	"tinytext":   TypeString,
	"mediumtext": TypeString,
	"longtext":   TypeString,
	"enum":       TypeString,
	"json":       TypeString,
	"time":       TypeString,
	"year":       TypeInt,
	"char":       TypeFixedChar,
	"tinyint":    TypeInt,
	"smallint":   TypeInt,
	"mediumint":  TypeInt,
	"int":        TypeInt,
	"integer":    TypeInt,
	"bigint":     TypeLong,
	"float":      TypeFloat,
	"double":     TypeDouble,
	"real":       TypeDouble,
	"decimal":    TypeDecimal,
	"numeric":    TypeDecimal,
	"bit":        TypeBoolean,
	"date":       TypeDateTime,
	"datetime":   TypeDateTime,
	"timestamp":  TypeDateTimeOffset,
}

var mysqlDDLTypes = map[ColumnType]string{
	TypeInt:            "int",
	TypeLong:           "bigint",
	TypeFloat:          "float",
	TypeDouble:         "double",
	TypeDecimal:        "decimal(38,10)",
	TypeBoolean:        "tinyint(1)",
	TypeDateTime:       "datetime(6)",
	TypeDateTimeOffset: "datetime(6)",
	TypeGuid:           "char(36)",
	TypeJson:           "json",
	TypeJsonb:          "json",
	TypeArray:          "json",
}

func mysqlQuote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func isBinary16Column(col mysqlColumnInfo) bool {
	return isMySQLTypeWithLength(col, "binary", 16)
}

func isTinyInt1Column(col mysqlColumnInfo) bool {
	return isMySQLTypeWithLength(col, "tinyint", 1)
}

func isMySQLTypeWithLength(col mysqlColumnInfo, baseType string, wantLength int64) bool {
	if col.DataType != baseType {
		return false
	}
	if n, ok := mysqlColumnTypeLength(col.ColumnType, baseType); ok {
		return n == wantLength
	}
	return strings.TrimSpace(col.ColumnType) == "" && col.Precision == wantLength
}

func mysqlColumnTypeLength(columnType, baseType string) (int64, bool) {
	ct := strings.ToLower(strings.TrimSpace(columnType))
	prefix := baseType + "("
	if !strings.HasPrefix(ct, prefix) {
		return 0, false
	}
	rest := ct[len(prefix):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// mysqlMapType resolves a MySQL column into a canonical column.
func mysqlMapType(info mysqlColumnInfo) Column {
	col := Column{
		Name:         info.Name,
		Nullable:     info.Nullable,
		IsPrimaryKey: info.Key == "PRI",
		MaxLength:    int(info.CharMaxLen),
	}
	unsigned := strings.Contains(info.ColumnType, "unsigned")

	switch {
	case isTinyInt1Column(info):
		col.Type = TypeBoolean
	case isBinary16Column(info):
		col.Type = TypeGuid
	case info.DataType == "bit":
		if n, ok := mysqlColumnTypeLength(info.ColumnType, "bit"); ok && n > 1 {
			col.Type = TypeLong
		} else {
			col.Type = TypeBoolean
		}
	case info.DataType == "set":
		col.Type = TypeString
		col.IsArray = true
		col.MaxLength = mysqlSetMemberLength(info.ColumnType)
	case info.DataType == "int" && unsigned, info.DataType == "integer" && unsigned:
		col.Type = TypeLong
	case info.DataType == "bigint" && unsigned:
		col.Type = TypeDecimal
	default:
		t, ok := mysqlNativeTypes[info.DataType]
		if !ok {
			t = TypeString
		}
		col.Type = t
	}
	if !col.Type.isText() || strings.HasSuffix(info.DataType, "text") || info.DataType == "json" {
		col.MaxLength = 0
	}
	return col
}

// mysqlDDLType renders a canonical column as a MySQL column type.
func mysqlDDLType(col Column) string {
	if col.IsArray {
		return "json"
	}
	switch col.Type {
	case TypeString:
		switch {
		case col.MaxLength > 0 && col.MaxLength <= 16383:
			return fmt.Sprintf("varchar(%d)", col.MaxLength)
		case col.IsPrimaryKey:
			return "varchar(255)"
		default:
			return "longtext"
		}
	case TypeFixedChar:
		switch {
		case col.MaxLength > 0 && col.MaxLength <= 255:
			return fmt.Sprintf("char(%d)", col.MaxLength)
		case col.MaxLength > 255 && col.MaxLength <= 16383:
			return fmt.Sprintf("varchar(%d)", col.MaxLength)
		case col.IsPrimaryKey:
			return "varchar(255)"
		default:
			return "longtext"
		}
	}
	return mysqlDDLTypes[col.Type]
}

// mysqlBind converts normalized cell text into the literal MySQL expects.
func mysqlBind(col Column, v string) (any, error) {
	if col.IsArray {
		return arrayToJSON(col, v)
	}
	switch col.Type {
	case TypeBoolean:
		if v == "true" {
			return 1, nil
		}
		return 0, nil
	case TypeDateTime, TypeDateTimeOffset:
		t, err := parseTimeCell(v)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		return t.UTC().Format(mysqlDateTimeLayout), nil
	}
	return v, nil
}

// mysqlReadCell renders 0/1 booleans as true/false and turns the comma-joined
// text of SET columns into a JSON array.
func mysqlReadCell(col Column, c Cell) Cell {
	if col.Type == TypeBoolean && !col.IsArray {
		if b, err := parseBoolCell(c.ValueString); err == nil {
			c.ValueString = strconv.FormatBool(b)
		}
		return c
	}
	if !col.IsArray || strings.HasPrefix(strings.TrimSpace(c.ValueString), "[") {
		return c
	}
	b, err := json.Marshal(splitMySQLSetValue(c.ValueString))
	if err == nil {
		c.ValueString = string(b)
	}
	return c
}

var mysqlDialect = sqlDialect{
	quote:       mysqlQuote,
	ddlType:     mysqlDDLType,
	placeholder: func(int, Column) string { return "?" },
	selectExpr: func(col Column) string {
		switch {
		case col.IsArray:
		case col.Type == TypeBoolean:
			return "(" + mysqlQuote(col.Name) + " <> 0)"
		case col.Type == TypeLong:
			// bit(n) columns arrive as raw bytes otherwise.
			return "(" + mysqlQuote(col.Name) + " + 0)"
		}
		return mysqlQuote(col.Name)
	},
	limitClause: "LIMIT ? OFFSET ?",
	maxParams:   mysqlMaxParams,
	bind:        mysqlBind,
}

func newMySQLConnector(ctx context.Context, conn string, opts ConnectorOptions) (*mysqlConnector, error) {
	dsn, dbName, err := mysqlDSN(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open mysql: %v", ErrConnectionFailure, err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping mysql: %v", ErrConnectionFailure, err)
	}
	return newMySQLConnectorFromDB(db, dbName), nil
}

func newMySQLConnectorFromDB(db *sql.DB, dbName string) *mysqlConnector {
	return &mysqlConnector{
		sqlConnector: sqlConnector{db: db, dialect: mysqlDialect, readCell: mysqlReadCell},
		dbName:       dbName,
	}
}

func (m *mysqlConnector) Name() string { return "MySQL" }

func (m *mysqlConnector) ListTableNames(ctx context.Context) ([]string, error) {
	names, err := collectStringRows(ctx, m.db,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`,
		m.dbName,
	)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (m *mysqlConnector) DescribeTable(ctx context.Context, name string) (string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE,
		        COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
		        COALESCE(NUMERIC_PRECISION, 0),
		        IS_NULLABLE, COLUMN_KEY
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		m.dbName, name,
	)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var info mysqlColumnInfo
		var nullable string
		if err := rows.Scan(
			&info.Name, &info.DataType, &info.ColumnType,
			&info.CharMaxLen, &info.Precision, &nullable, &info.Key,
		); err != nil {
			return "", fmt.Errorf("describe %s: %w", name, err)
		}
		info.Nullable = nullable == "YES"
		info.DataType = strings.ToLower(info.DataType)
		info.ColumnType = strings.ToLower(info.ColumnType)
		cols = append(cols, mysqlMapType(info))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	return describeColumns(name, cols)
}

func (m *mysqlConnector) ListRelations(ctx context.Context) ([]Relation, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT CONSTRAINT_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME,
		        TABLE_NAME, COLUMN_NAME
		 FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		 WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		   AND ORDINAL_POSITION = 1
		 ORDER BY TABLE_NAME, CONSTRAINT_NAME`,
		m.dbName,
	)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.FKName, &r.ParentTableName, &r.ParentColName, &r.ChildTableName, &r.ChildColName); err != nil {
			return nil, fmt.Errorf("list relations: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	return rels, nil
}

func (m *mysqlConnector) CreateRelation(ctx context.Context, rel Relation) (RelationMode, error) {
	for _, side := range [][2]string{{rel.ParentTableName, rel.ParentColName}, {rel.ChildTableName, rel.ChildColName}} {
		if err := m.narrowTextKey(ctx, side[0], side[1]); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrConstraintCreation, rel.FKName, err)
		}
	}
	q := generateAddForeignKey(rel, m.ref, m.dialect)
	if _, err := m.db.ExecContext(ctx, q); err != nil {
		return "", fmt.Errorf("%w: %s: %v\nSQL: %s", ErrConstraintCreation, rel.FKName, err, q)
	}
	return RelationConstraint, nil
}

// narrowTextKey turns a TEXT column into varchar(255) so it can take part in a
// foreign key. Unsized String columns are created as longtext.
func (m *mysqlConnector) narrowTextKey(ctx context.Context, table, column string) error {
	var dataType, nullable string
	err := m.db.QueryRowContext(ctx,
		`SELECT DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		m.dbName, table, column,
	).Scan(&dataType, &nullable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	switch strings.ToLower(dataType) {
	case "tinytext", "text", "mediumtext", "longtext":
	default:
		return nil
	}
	null := "NULL"
	if nullable != "YES" {
		null = "NOT NULL"
	}
	q := fmt.Sprintf("ALTER TABLE %s MODIFY %s varchar(255) %s", m.ref(table), mysqlQuote(column), null)
	if _, err := m.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("narrow %s.%s to varchar(255): %w", table, column, err)
	}
	return nil
}

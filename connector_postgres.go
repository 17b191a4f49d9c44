package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// pgMaxParams is the bind parameter limit of the Postgres wire protocol.
	pgMaxParams = 65535
	// pgMaxVarchar is the largest length varchar(n) accepts.
	pgMaxVarchar = 10485760
)

// pgExecutor is the subset of pgxpool.Pool the connector uses.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresConnector struct {
	db     pgExecutor
	pool   *pgxpool.Pool
	schema string
}

// pgNativeTypes maps information_schema udt_name values to canonical types.
// Array columns report their element type with a leading underscore.
var pgNativeTypes = map[string]ColumnType{
	"varchar":     TypeString,
	"text":        TypeString,
	"citext":      TypeString,
	"name":        TypeString,
	"json":        TypeString,
	"xml":         TypeString,
	"bpchar":      TypeFixedChar,
	"char":        TypeFixedChar,
	"int2":        TypeInt,
	"int4":        TypeInt,
	"int8":        TypeLong,
	"float4":      TypeFloat,
	"float8":      TypeDouble,
	"numeric":     TypeDecimal,
	"money":       TypeString, // money::text carries a currency symbol and grouping
	"bool":        TypeBoolean,
	"date":        TypeDateTime,
	"timestamp":   TypeDateTime,
	"timestamptz": TypeDateTimeOffset,
	"uuid":        TypeGuid,
	"jsonb":       TypeJsonb,
}

// pgDDLTypes renders canonical types as Postgres column types. Every numeric
// type becomes numeric so no value loses range or precision.
var pgDDLTypes = map[ColumnType]string{
	TypeInt:            "numeric",
	TypeLong:           "numeric",
	TypeFloat:          "numeric",
	TypeDouble:         "numeric",
	TypeDecimal:        "numeric",
	TypeBoolean:        "boolean",
	TypeDateTime:       "timestamp",
	TypeDateTimeOffset: "timestamptz",
	TypeGuid:           "uuid",
	TypeJson:           "json",
	TypeJsonb:          "jsonb",
	TypeArray:          "jsonb",
}

func pgMapNativeType(udtName string) (ColumnType, bool) {
	isArray := strings.HasPrefix(udtName, "_")
	if t, ok := pgNativeTypes[strings.TrimPrefix(udtName, "_")]; ok {
		return t, isArray
	}
	return TypeString, isArray
}

func pgDDLType(col Column) string {
	var typ string
	switch col.Type {
	case TypeString:
		if col.MaxLength > 0 && col.MaxLength <= pgMaxVarchar {
			typ = fmt.Sprintf("varchar(%d)", col.MaxLength)
		} else {
			typ = "text"
		}
	case TypeFixedChar:
		if col.MaxLength > 0 && col.MaxLength <= pgMaxVarchar {
			typ = fmt.Sprintf("char(%d)", col.MaxLength)
		} else {
			typ = "text"
		}
	default:
		typ = pgDDLTypes[col.Type]
	}
	if col.IsArray && col.Type != TypeJson && col.Type != TypeJsonb && col.Type != TypeArray {
		typ += "[]"
	}
	return typ
}

var pgDialect = sqlDialect{
	quote:   pgIdent,
	ddlType: pgDDLType,
	placeholder: func(n int, col Column) string {
		return "$" + strconv.Itoa(n) + "::text::" + pgDDLType(col)
	},
	selectExpr: func(col Column) string {
		return pgIdent(col.Name) + "::text"
	},
	limitClause: "LIMIT $1 OFFSET $2",
	maxParams:   pgMaxParams,
	bind: func(col Column, v string) (any, error) {
		if col.IsArray && col.Type != TypeJson && col.Type != TypeJsonb {
			return arrayToPG(col, v)
		}
		return v, nil
	},
}

func newPostgresConnector(ctx context.Context, conn string, opts ConnectorOptions) (*postgresConnector, error) {
	if looksLikeADO(conn) {
		ado, err := parseADOConnString(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		}
		conn = ado.pgKeywordValue()
	}
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %v", ErrConnectionFailure, err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", ErrConnectionFailure, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrConnectionFailure, err)
	}
	return &postgresConnector{db: pool, pool: pool, schema: "public"}, nil
}

func (p *postgresConnector) Name() string { return "PostgreSQL" }

func (p *postgresConnector) ref(table string) string {
	return pgIdent(p.schema) + "." + pgIdent(table)
}

func (p *postgresConnector) ListTableNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT table_name::text FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, p.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (p *postgresConnector) DescribeTable(ctx context.Context, name string) (string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT c.column_name::text, c.udt_name::text,
		        COALESCE(c.character_maximum_length, 0)::int,
		        c.is_nullable = 'YES',
		        EXISTS (
		          SELECT 1 FROM information_schema.table_constraints tc
		          JOIN information_schema.key_column_usage k
		            ON k.constraint_name = tc.constraint_name
		           AND k.table_schema = tc.table_schema
		           AND k.table_name = tc.table_name
		          WHERE tc.constraint_type = 'PRIMARY KEY'
		            AND tc.table_schema = c.table_schema
		            AND tc.table_name = c.table_name
		            AND k.column_name = c.column_name)
		 FROM information_schema.columns c
		 WHERE c.table_schema = $1 AND c.table_name = $2
		 ORDER BY c.ordinal_position`, p.schema, name)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var udt string
		var maxLen int32
		if err := rows.Scan(&col.Name, &udt, &maxLen, &col.Nullable, &col.IsPrimaryKey); err != nil {
			return "", fmt.Errorf("describe %s: %w", name, err)
		}
		col.Type, col.IsArray = pgMapNativeType(udt)
		col.MaxLength = int(maxLen)
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	return describeColumns(name, cols)
}

func (p *postgresConnector) CreateTable(ctx context.Context, t *Table) error {
	ddl := generateCreateTable(t, p.ref(t.Name), pgDialect)
	if _, err := p.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %s: %v\nDDL: %s", ErrTableCreation, t.Name, err, ddl)
	}
	return nil
}

func (p *postgresConnector) RowCount(ctx context.Context, t *Table) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, "SELECT count(*) FROM "+p.ref(t.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}
	return n, nil
}

func (p *postgresConnector) FetchRows(ctx context.Context, t *Table) error {
	return p.fetch(ctx, t, generateSelect(t, p.ref(t.Name), pgDialect, false))
}

func (p *postgresConnector) FetchRowsPage(ctx context.Context, t *Table, offset, limit int64) error {
	return p.fetch(ctx, t, generateSelect(t, p.ref(t.Name), pgDialect, true), limit, offset)
}

func (p *postgresConnector) fetch(ctx context.Context, t *Table, query string, args ...any) error {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	defer rows.Close()

	vals := make([]*string, len(t.Columns))
	dest := make([]any, len(t.Columns))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("fetch %s: %w", t.Name, err)
		}
		row := Row{Cells: make([]Cell, len(t.Columns))}
		for i, col := range t.Columns {
			if vals[i] == nil {
				row.Cells[i] = Cell{ColumnName: col.Name, Null: true}
			} else {
				row.Cells[i] = Cell{ColumnName: col.Name, ValueString: *vals[i]}
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	return nil
}

func (p *postgresConnector) InsertRow(ctx context.Context, t *Table, row Row) error {
	return p.InsertRows(ctx, t, []Row{row})
}

func (p *postgresConnector) InsertRows(ctx context.Context, t *Table, rows []Row) error {
	prepared, rej := prepareRows(t, rows, pgDialect.bind)
	for _, chunk := range chunkRows(prepared, len(t.Columns), pgDialect.maxParams) {
		q := generateInsert(t, p.ref(t.Name), pgDialect, len(chunk))
		if _, err := p.db.Exec(ctx, q, insertArgs(chunk)...); err != nil {
			return fmt.Errorf("insert %s: %w", t.Name, err)
		}
	}
	if rej != nil {
		return rej
	}
	return nil
}

func (p *postgresConnector) ListRelations(ctx context.Context) ([]Relation, error) {
	rows, err := p.db.Query(ctx,
		`SELECT c.conname::text, pt.relname::text, pa.attname::text, ct.relname::text, ca.attname::text
		 FROM pg_constraint c
		 JOIN pg_class ct ON ct.oid = c.conrelid
		 JOIN pg_namespace n ON n.oid = ct.relnamespace
		 JOIN pg_class pt ON pt.oid = c.confrelid
		 JOIN pg_attribute ca ON ca.attrelid = c.conrelid AND ca.attnum = c.conkey[1]
		 JOIN pg_attribute pa ON pa.attrelid = c.confrelid AND pa.attnum = c.confkey[1]
		 WHERE c.contype = 'f' AND n.nspname = $1
		 ORDER BY ct.relname, c.conname`, p.schema)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Relation, error) {
		var r Relation
		err := row.Scan(&r.FKName, &r.ParentTableName, &r.ParentColName, &r.ChildTableName, &r.ChildColName)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	return rels, nil
}

func (p *postgresConnector) CreateRelation(ctx context.Context, rel Relation) (RelationMode, error) {
	q := generateAddForeignKey(rel, p.ref, pgDialect)
	if _, err := p.db.Exec(ctx, q); err != nil {
		return "", fmt.Errorf("%w: %s: %v\nSQL: %s", ErrConstraintCreation, rel.FKName, err, q)
	}
	return RelationConstraint, nil
}

func (p *postgresConnector) DropTable(ctx context.Context, name string) error {
	if _, err := p.db.Exec(ctx, "DROP TABLE IF EXISTS "+p.ref(name)+" CASCADE"); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (p *postgresConnector) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteURI(t *testing.T) {
	tests := []struct {
		in, want string
		err      bool
	}{
		{"/data/app.db", "file:/data/app.db", false},
		{"file:/data/app.db?_pragma=busy_timeout(5000)", "file:/data/app.db?_pragma=busy_timeout(5000)", false},
		{"", "", true},
		{":memory:", "", true},
		{"file::memory:", "", true},
		{"file:x.db?mode=memory", "", true},
		{"file:x.db?mode=ro", "", true},
	}
	for _, tt := range tests {
		got, err := sqliteURI(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("sqliteURI(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("sqliteURI(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestSQLiteMapType(t *testing.T) {
	tests := []struct {
		decl    string
		want    ColumnType
		isArray bool
		maxLen  int
	}{
		{"INTEGER", TypeLong, false, 0},
		{"int", TypeInt, false, 0},
		{"VARCHAR(40)", TypeString, false, 40},
		{"NUMERIC(10,2)", TypeDecimal, false, 0},
		{"CHAR(2)", TypeFixedChar, false, 2},
		{"", TypeString, false, 0},
		{"ARRAY VARCHAR(20)", TypeString, true, 20},
		{"array INT", TypeInt, true, 0},
		{"ARRAY", TypeString, false, 0},
		{"TIMESTAMPTZ", TypeDateTimeOffset, false, 0},
		{"UUID", TypeGuid, false, 0},
	}
	for _, tt := range tests {
		typ, isArray, maxLen := sqliteMapType(tt.decl)
		if typ != tt.want || isArray != tt.isArray || maxLen != tt.maxLen {
			t.Errorf("sqliteMapType(%q) = %s, %t, %d; want %s, %t, %d",
				tt.decl, typ, isArray, maxLen, tt.want, tt.isArray, tt.maxLen)
		}
	}
}

func TestSQLiteDDLTypeRoundTrip(t *testing.T) {
	cols := []Column{
		{Type: TypeInt}, {Type: TypeLong}, {Type: TypeFloat}, {Type: TypeDouble},
		{Type: TypeDecimal}, {Type: TypeBoolean}, {Type: TypeDateTime},
		{Type: TypeDateTimeOffset}, {Type: TypeGuid}, {Type: TypeJson}, {Type: TypeJsonb},
		{Type: TypeString, MaxLength: 12}, {Type: TypeFixedChar, MaxLength: 3},
		{Type: TypeString, IsArray: true}, {Type: TypeLong, IsArray: true},
	}
	for _, col := range cols {
		typ, isArray, maxLen := sqliteMapType(sqliteDDLType(col))
		if typ != col.Type || isArray != col.IsArray || maxLen != col.MaxLength {
			t.Errorf("%+v round-trips as %s, %t, %d", col, typ, isArray, maxLen)
		}
	}
}

func openTestSQLite(t *testing.T, name string) *sqliteConnector {
	t.Helper()
	c, err := newSQLiteConnector(context.Background(), filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func seedSQLite(t *testing.T, c *sqliteConnector, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
}

func TestSQLiteConnector_Introspection(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t, "shop.db")
	seedSQLite(t, c,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name VARCHAR(50) NOT NULL, vip BOOLEAN)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers, note TEXT)`,
	)

	names, err := c.ListTableNames(ctx)
	if err != nil || strings.Join(names, ",") != "customers,orders" {
		t.Fatalf("ListTableNames() = %v, %v", names, err)
	}

	desc, err := c.DescribeTable(ctx, "customers")
	if err != nil {
		t.Fatal(err)
	}
	want := "customers:true,id,Long,false,0,false;false,name,String,false,50,false;false,vip,Boolean,false,0,true"
	if desc != want {
		t.Errorf("DescribeTable() = %q, want %q", desc, want)
	}

	rels, err := c.ListRelations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantRel := Relation{FKName: "fk_orders_0", ParentTableName: "customers", ParentColName: "id", ChildTableName: "orders", ChildColName: "customer_id"}
	if len(rels) != 1 || rels[0] != wantRel {
		t.Errorf("ListRelations() = %+v, want %+v", rels, wantRel)
	}

	if _, err := c.CreateRelation(ctx, wantRel); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("CreateRelation() error = %v, want ErrUnsupportedOperation", err)
	}
}

func TestSQLiteConnector_RowsRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t, "rows.db")
	tbl := &Table{Name: "items", Columns: []Column{
		{Name: "id", Type: TypeLong, IsPrimaryKey: true},
		{Name: "active", Type: TypeBoolean, Nullable: true},
		{Name: "tags", Type: TypeString, IsArray: true, Nullable: true},
		{Name: "price", Type: TypeDecimal, Nullable: true},
	}}
	if err := c.CreateTable(ctx, tbl); err != nil {
		t.Fatal(err)
	}
	rows := []Row{
		{Cells: []Cell{{ColumnName: "id", ValueString: "1"}, {ColumnName: "active", ValueString: "yes"}, {ColumnName: "tags", ValueString: "{a,b}"}, {ColumnName: "price", ValueString: "9,5"}}},
		{Cells: []Cell{{ColumnName: "id", ValueString: "2"}, {ColumnName: "active", ValueString: "NA"}}},
		{Cells: []Cell{{ColumnName: "id", ValueString: "3"}, {ColumnName: "active", ValueString: "f"}}},
	}
	if err := c.InsertRows(ctx, tbl, rows); err != nil {
		t.Fatal(err)
	}

	n, err := c.RowCount(ctx, tbl)
	if err != nil || n != 3 {
		t.Fatalf("RowCount() = %d, %v", n, err)
	}

	if err := c.FetchRowsPage(ctx, tbl, 0, 2); err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("page has %d rows, want 2", len(tbl.Rows))
	}
	first := tbl.Rows[0]
	if c, _ := first.cell("active"); c.ValueString != "true" {
		t.Errorf("active = %+v, want true", c)
	}
	if c, _ := first.cell("tags"); c.ValueString != `["a","b"]` {
		t.Errorf("tags = %+v", c)
	}
	if c, _ := first.cell("price"); c.ValueString != "9.5" {
		t.Errorf("price = %+v", c)
	}
	if c, _ := tbl.Rows[1].cell("active"); !c.Null {
		t.Errorf("NA boolean stored as %+v, want NULL", c)
	}

	tbl.resetRows()
	if err := c.FetchRowsPage(ctx, tbl, 2, 2); err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("last page has %d rows, want 1", len(tbl.Rows))
	}
	if c, _ := tbl.Rows[0].cell("active"); c.ValueString != "false" {
		t.Errorf("active = %+v, want false", c)
	}
}

func TestSQLiteToSQLiteMigration(t *testing.T) {
	ctx := context.Background()
	src := openTestSQLite(t, "src.db")
	dst := openTestSQLite(t, "dst.db")
	seedSQLite(t, src,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name VARCHAR(50) NOT NULL, vip BOOLEAN)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), total NUMERIC, tags ARRAY VARCHAR(20))`,
		`INSERT INTO customers VALUES (1, 'Ada', 1), (2, 'Bob', 0), (3, 'Cy', NULL)`,
		`INSERT INTO orders VALUES (1, 1, 12.5, '["x","y"]'), (2, 2, NULL, NULL)`,
	)

	srcDescs := make(map[string]string)
	for _, name := range []string{"customers", "orders"} {
		d, err := src.DescribeTable(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		srcDescs[name] = d
	}

	cfg := MigrationConfig{SaveRelations: true, DeleteFromSource: true, BatchSize: 2, Workers: 1}
	sum, err := newMigrator(src, dst, cfg, discardLogger()).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sum.failedTables() != 0 {
		t.Fatalf("failed tables: %+v", sum.Tables)
	}

	for name, want := range srcDescs {
		got, err := dst.DescribeTable(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s schema on destination = %q, want %q", name, got, want)
		}
	}
	if o, _ := outcomeByName(sum, "customers"); o.Rows != 3 || o.Batches != 2 {
		t.Errorf("customers outcome = %+v, want 3 rows in 2 batches", o)
	}

	orders, _ := decodeDescriptor(srcDescs["orders"])
	if err := dst.FetchRows(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if c, _ := orders.Rows[0].cell("tags"); c.ValueString != `["x","y"]` {
		t.Errorf("tags = %+v", c)
	}

	// SQLite cannot add constraints afterwards; the relation survives in the manifest.
	if len(sum.Relations) != 1 || sum.Relations[0].Error == "" {
		t.Errorf("relations = %+v, want one failed constraint", sum.Relations)
	}
	if !sum.ManifestSaved {
		t.Fatalf("manifest not saved: %s", sum.ManifestError)
	}
	manifest, err := dst.DescribeTable(ctx, manifestTableName)
	if err != nil {
		t.Fatal(err)
	}
	mt, _ := decodeDescriptor(manifest)
	if err := dst.FetchRows(ctx, mt); err != nil {
		t.Fatal(err)
	}
	if len(mt.Rows) != 1 {
		t.Fatalf("manifest rows = %d, want 1", len(mt.Rows))
	}
	if c, _ := mt.Rows[0].cell("ChildColName"); c.ValueString != "customer_id" {
		t.Errorf("manifest ChildColName = %q", c.ValueString)
	}

	names, err := src.ListTableNames(ctx)
	if err != nil || len(names) != 0 {
		t.Errorf("source tables after cleanup = %v, %v", names, err)
	}
}

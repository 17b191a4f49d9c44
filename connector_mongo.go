package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const (
	// mongoSampleSize is how many documents DescribeTable inspects.
	mongoSampleSize = 100
	// mongoStringLength is the MaxLength reported for sampled string fields.
	mongoStringLength = 555
	mongoIDField      = "_id"
)

type mongoConnector struct {
	client *mongo.Client
	db     *mongo.Database
}

func newMongoConnector(ctx context.Context, uri string) (*mongoConnector, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mongodb uri: %v", ErrConnectionFailure, err)
	}
	if cs.Database == "" {
		return nil, fmt.Errorf("%w: mongodb uri must name a database", ErrConnectionFailure)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongodb: %v", ErrConnectionFailure, err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, fmt.Errorf("%w: ping mongodb: %v", ErrConnectionFailure, err)
	}
	return &mongoConnector{client: client, db: client.Database(cs.Database)}, nil
}

func (m *mongoConnector) Name() string { return "MongoDB" }

func (m *mongoConnector) ListTableNames(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names = slices.DeleteFunc(names, func(n string) bool { return strings.HasPrefix(n, "system.") })
	slices.Sort(names)
	return names, nil
}

func (m *mongoConnector) DescribeTable(ctx context.Context, name string) (string, error) {
	cur, err := m.db.Collection(name).Find(ctx, bson.D{}, options.Find().SetLimit(mongoSampleSize))
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return "", fmt.Errorf("describe %s: %w", name, err)
	}
	return encodeDescriptor(name, inferMongoColumns(docs)), nil
}

// inferMongoColumns derives columns from sampled documents. Fields keep the
// order they were first seen in; the first non-null value decides the type;
// a field missing or null in any document is nullable. _id is always the
// primary key.
func inferMongoColumns(docs []bson.D) []Column {
	type field struct {
		col     Column
		typed   bool
		present int
	}
	var order []string
	fields := make(map[string]*field)

	ensure := func(key string) *field {
		f, ok := fields[key]
		if !ok {
			f = &field{col: Column{Name: key, Type: TypeString, MaxLength: mongoStringLength}}
			fields[key] = f
			order = append(order, key)
		}
		return f
	}
	ensure(mongoIDField)

	for _, doc := range docs {
		for _, e := range doc {
			f := ensure(e.Key)
			if e.Value == nil {
				f.col.Nullable = true
				continue
			}
			f.present++
			if !f.typed {
				f.col.Type, f.col.IsArray, f.col.MaxLength = mongoColumnType(e.Value)
				f.typed = true
			}
		}
	}

	cols := make([]Column, 0, len(order))
	for _, key := range order {
		f := fields[key]
		if f.present < len(docs) {
			f.col.Nullable = true
		}
		if key == mongoIDField {
			f.col.IsPrimaryKey = true
			f.col.Nullable = false
			if !f.typed {
				f.col.MaxLength = 24
			}
		}
		cols = append(cols, f.col)
	}
	return cols
}

// mongoColumnType maps a decoded BSON value to a canonical type, array flag
// and max length.
func mongoColumnType(v any) (ColumnType, bool, int) {
	switch val := v.(type) {
	case string:
		return TypeString, false, mongoStringLength
	case primitive.ObjectID:
		return TypeString, false, 24
	case int32:
		return TypeInt, false, 0
	case int64:
		return TypeLong, false, 0
	case float64:
		return TypeDouble, false, 0
	case primitive.Decimal128:
		return TypeDecimal, false, 0
	case bool:
		return TypeBoolean, false, 0
	case primitive.DateTime, primitive.Timestamp:
		return TypeDateTime, false, 0
	case primitive.Binary:
		if val.Subtype == bson.TypeBinaryUUID || val.Subtype == bson.TypeBinaryUUIDOld {
			return TypeGuid, false, 0
		}
	case bson.D, bson.M:
		return TypeJson, false, 0
	case bson.A:
		return TypeJsonb, true, 0
	}
	return TypeString, false, mongoStringLength
}

func (m *mongoConnector) CreateTable(ctx context.Context, t *Table) error {
	if err := m.db.CreateCollection(ctx, t.Name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTableCreation, t.Name, err)
	}
	return nil
}

func (m *mongoConnector) RowCount(ctx context.Context, t *Table) (int64, error) {
	n, err := m.db.Collection(t.Name).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}
	return n, nil
}

func (m *mongoConnector) FetchRows(ctx context.Context, t *Table) error {
	return m.fetch(ctx, t, m.findOptions(t))
}

func (m *mongoConnector) FetchRowsPage(ctx context.Context, t *Table, offset, limit int64) error {
	return m.fetch(ctx, t, m.findOptions(t).SetSkip(offset).SetLimit(limit))
}

func (m *mongoConnector) findOptions(t *Table) *options.FindOptions {
	opts := options.Find()
	if oc, ok := t.orderColumn(); ok {
		opts.SetSort(bson.D{{Key: oc.Name, Value: 1}})
	}
	return opts
}

func (m *mongoConnector) fetch(ctx context.Context, t *Table, opts *options.FindOptions) error {
	cur, err := m.db.Collection(t.Name).Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("fetch %s: %w", t.Name, err)
		}
		t.Rows = append(t.Rows, mongoRow(t, doc))
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	return nil
}

func mongoRow(t *Table, doc bson.D) Row {
	row := Row{Cells: make([]Cell, 0, len(t.Columns))}
	for _, col := range t.Columns {
		v, ok := docValue(doc, col.Name)
		if !ok {
			continue
		}
		row.Cells = append(row.Cells, mongoCell(col, v))
	}
	return row
}

func docValue(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// mongoCell renders a decoded BSON value as cell text.
func mongoCell(col Column, v any) Cell {
	c := Cell{ColumnName: col.Name}
	switch val := v.(type) {
	case nil:
		c.Null = true
	case primitive.ObjectID:
		c.ValueString = val.Hex()
	case primitive.DateTime:
		c.ValueString = formatTime(val.Time().UTC(), col.Type)
	case primitive.Timestamp:
		c.ValueString = formatTime(time.Unix(int64(val.T), 0).UTC(), col.Type)
	case primitive.Decimal128:
		c.ValueString = val.String()
	case primitive.Binary:
		if u, err := uuid.FromBytes(val.Data); err == nil && len(val.Data) == 16 {
			c.ValueString = u.String()
		} else {
			c.ValueString = string(val.Data)
		}
	case bson.D, bson.M, bson.A:
		c.ValueString = mongoExtJSON(val)
	default:
		return formatCellValue(v, col)
	}
	return c
}

// mongoExtJSON renders a document or array as relaxed extended JSON.
func mongoExtJSON(v any) string {
	b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
	if err != nil {
		return fmt.Sprint(v)
	}
	return gjson.GetBytes(b, "v").Raw
}

// mongoBind converts normalized cell text into a native BSON value.
func mongoBind(col Column, v string) (any, error) {
	if col.IsArray || col.Type == TypeJson || col.Type == TypeJsonb {
		s := v
		if col.IsArray && !strings.HasPrefix(strings.TrimSpace(v), "[") {
			var err error
			if s, err = arrayToJSON(col, v); err != nil {
				return nil, err
			}
		}
		var wrapped bson.D
		if err := bson.UnmarshalExtJSON([]byte(`{"v":`+s+`}`), false, &wrapped); err != nil {
			return nil, conversionError(col, v, err)
		}
		return wrapped[0].Value, nil
	}

	switch col.Type {
	case TypeInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), nil
		}
		return n, nil
	case TypeLong:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		return n, nil
	case TypeFloat, TypeDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		return f, nil
	case TypeDecimal:
		d, err := primitive.ParseDecimal128(v)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		return d, nil
	case TypeBoolean:
		return v == "true", nil
	case TypeDateTime, TypeDateTimeOffset:
		t, err := parseTimeCell(v)
		if err != nil {
			return nil, conversionError(col, v, err)
		}
		return primitive.NewDateTimeFromTime(t), nil
	}
	return v, nil
}

// mongoDocument builds the document for one prepared row. The first primary
// key column is also written as _id; a 24-hex _id becomes an ObjectID.
func mongoDocument(t *Table, vals []any) bson.D {
	doc := make(bson.D, 0, len(vals)+1)
	var id any
	hasID := false
	if pk := t.primaryKeyColumns(); len(pk) > 0 {
		for i, col := range t.Columns {
			if col.Name == pk[0].Name {
				id, hasID = vals[i], vals[i] != nil
				break
			}
		}
	}
	if hasID {
		if s, ok := id.(string); ok && len(s) == 24 {
			if oid, err := primitive.ObjectIDFromHex(s); err == nil {
				id = oid
			}
		}
		doc = append(doc, bson.E{Key: mongoIDField, Value: id})
	}
	for i, col := range t.Columns {
		if col.Name == mongoIDField {
			continue
		}
		doc = append(doc, bson.E{Key: col.Name, Value: vals[i]})
	}
	return doc
}

func (m *mongoConnector) InsertRow(ctx context.Context, t *Table, row Row) error {
	return m.InsertRows(ctx, t, []Row{row})
}

func (m *mongoConnector) InsertRows(ctx context.Context, t *Table, rows []Row) error {
	prepared, rej := prepareRows(t, rows, mongoBind)
	if len(prepared) > 0 {
		docs := make([]any, len(prepared))
		for i, vals := range prepared {
			docs[i] = mongoDocument(t, vals)
		}
		opts := options.InsertMany().SetOrdered(false)
		if _, err := m.db.Collection(t.Name).InsertMany(ctx, docs, opts); err != nil {
			return fmt.Errorf("insert %s: %w", t.Name, err)
		}
	}
	if rej != nil {
		return rej
	}
	return nil
}

// ListRelations reads the relation manifest a previous migration left behind.
// A document store has no other record of foreign keys.
func (m *mongoConnector) ListRelations(ctx context.Context) ([]Relation, error) {
	cur, err := m.db.Collection(manifestTableName).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	var rels []Relation
	if err := cur.All(ctx, &rels); err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	return rels, nil
}

// CreateRelation embeds, into every parent document, the child documents that
// reference it, under a field named after the child collection. This copies
// data and enforces nothing, hence RelationEmbedded.
func (m *mongoConnector) CreateRelation(ctx context.Context, rel Relation) (RelationMode, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: rel.ChildTableName},
			{Key: "localField", Value: rel.ParentColName},
			{Key: "foreignField", Value: rel.ChildColName},
			{Key: "as", Value: rel.ChildTableName},
		}}},
		{{Key: "$match", Value: bson.D{{Key: rel.ChildTableName, Value: bson.D{{Key: "$ne", Value: bson.A{}}}}}}},
		{{Key: "$project", Value: bson.D{{Key: rel.ChildTableName, Value: 1}}}},
		{{Key: "$merge", Value: bson.D{
			{Key: "into", Value: rel.ParentTableName},
			{Key: "on", Value: mongoIDField},
			{Key: "whenMatched", Value: "merge"},
			{Key: "whenNotMatched", Value: "discard"},
		}}},
	}
	cur, err := m.db.Collection(rel.ParentTableName).Aggregate(ctx, pipeline)
	if err != nil {
		return "", fmt.Errorf("%w: embed %s: %v", ErrConstraintCreation, rel, err)
	}
	if err := cur.Close(ctx); err != nil {
		return "", fmt.Errorf("%w: embed %s: %v", ErrConstraintCreation, rel, err)
	}
	return RelationEmbedded, nil
}

func (m *mongoConnector) DropTable(ctx context.Context, name string) error {
	if err := m.db.Collection(name).Drop(ctx); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorCode(26) { // NamespaceNotFound
			return nil
		}
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (m *mongoConnector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

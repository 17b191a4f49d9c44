package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestInferMongoColumns(t *testing.T) {
	docs := []bson.D{
		{
			{Key: "_id", Value: primitive.NewObjectID()},
			{Key: "name", Value: "Ada"},
			{Key: "age", Value: int32(36)},
			{Key: "tags", Value: bson.A{"x"}},
		},
		{
			{Key: "_id", Value: primitive.NewObjectID()},
			{Key: "name", Value: nil},
			{Key: "score", Value: 1.5},
		},
	}
	cols := inferMongoColumns(docs)
	require.Len(t, cols, 5)

	assert.Equal(t, Column{Name: "_id", Type: TypeString, IsPrimaryKey: true, MaxLength: 24}, cols[0])
	assert.Equal(t, Column{Name: "name", Type: TypeString, MaxLength: mongoStringLength, Nullable: true}, cols[1])
	assert.Equal(t, Column{Name: "age", Type: TypeInt, Nullable: true}, cols[2])
	assert.Equal(t, Column{Name: "tags", Type: TypeJsonb, IsArray: true, Nullable: true}, cols[3])
	assert.Equal(t, Column{Name: "score", Type: TypeDouble, Nullable: true}, cols[4])
}

func TestInferMongoColumns_EmptyCollection(t *testing.T) {
	cols := inferMongoColumns(nil)
	require.Len(t, cols, 1)
	assert.Equal(t, "_id", cols[0].Name)
	assert.True(t, cols[0].IsPrimaryKey)
}

func TestMongoColumnType(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		v       any
		want    ColumnType
		isArray bool
	}{
		{"s", TypeString, false},
		{int64(1), TypeLong, false},
		{primitive.NewDecimal128(1, 0), TypeDecimal, false},
		{true, TypeBoolean, false},
		{primitive.NewDateTimeFromTime(time.Now()), TypeDateTime, false},
		{primitive.Binary{Subtype: bson.TypeBinaryUUID, Data: id[:]}, TypeGuid, false},
		{primitive.Binary{Subtype: bson.TypeBinaryGeneric, Data: []byte{1}}, TypeString, false},
		{bson.D{{Key: "a", Value: 1}}, TypeJson, false},
		{bson.A{1, 2}, TypeJsonb, true},
	}
	for _, tt := range tests {
		typ, isArray, _ := mongoColumnType(tt.v)
		assert.Equal(t, tt.want, typ, "value %#v", tt.v)
		assert.Equal(t, tt.isArray, isArray, "value %#v", tt.v)
	}
}

func TestMongoCell(t *testing.T) {
	oid := primitive.NewObjectID()
	assert.Equal(t, oid.Hex(), mongoCell(Column{Name: "_id"}, oid).ValueString)

	at := primitive.NewDateTimeFromTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-03-01 10:00:00", mongoCell(Column{Type: TypeDateTime}, at).ValueString)
	assert.Equal(t, "2024-03-01T10:00:00Z", mongoCell(Column{Type: TypeDateTimeOffset}, at).ValueString)

	id := uuid.New()
	assert.Equal(t, id.String(), mongoCell(Column{Type: TypeGuid}, primitive.Binary{Subtype: bson.TypeBinaryUUID, Data: id[:]}).ValueString)

	arr := mongoCell(Column{Type: TypeJsonb, IsArray: true}, bson.A{int32(1), "x"})
	assert.JSONEq(t, `[1,"x"]`, arr.ValueString)

	doc := mongoCell(Column{Type: TypeJson}, bson.D{{Key: "city", Value: "Oslo"}})
	assert.JSONEq(t, `{"city":"Oslo"}`, doc.ValueString)

	assert.Equal(t, "36", mongoCell(Column{Type: TypeInt}, int32(36)).ValueString)
	assert.True(t, mongoCell(Column{Name: "x"}, nil).Null)
}

func TestMongoRow_SkipsMissingFields(t *testing.T) {
	tbl := &Table{Columns: []Column{{Name: "_id"}, {Name: "name"}, {Name: "age", Type: TypeInt}}}
	row := mongoRow(tbl, bson.D{{Key: "_id", Value: "k1"}, {Key: "age", Value: int32(3)}})
	require.Len(t, row.Cells, 2)
	_, ok := row.cell("name")
	assert.False(t, ok)
	c, _ := row.cell("age")
	assert.Equal(t, "3", c.ValueString)
}

func TestMongoBind(t *testing.T) {
	tests := []struct {
		name string
		col  Column
		in   string
		want any
	}{
		{"small int", Column{Type: TypeInt}, "5", int32(5)},
		{"wide int", Column{Type: TypeInt}, "5000000000", int64(5000000000)},
		{"long", Column{Type: TypeLong}, "7", int64(7)},
		{"double", Column{Type: TypeDouble}, "2.5", 2.5},
		{"bool", Column{Type: TypeBoolean}, "true", true},
		{"string", Column{Type: TypeString}, "hi", "hi"},
		{"string array literal", Column{Type: TypeString, IsArray: true}, "{a,b}", bson.A{"a", "b"}},
		{"json array", Column{Type: TypeString, IsArray: true}, `["a"]`, bson.A{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mongoBind(tt.col, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	d, err := mongoBind(Column{Type: TypeDecimal}, "10.25")
	require.NoError(t, err)
	assert.Equal(t, "10.25", d.(primitive.Decimal128).String())

	at, err := mongoBind(Column{Type: TypeDateTime}, "2024-03-01 10:00:00")
	require.NoError(t, err)
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(at.(primitive.DateTime).Time()), "got %v", at)

	_, err = mongoBind(Column{Type: TypeJson}, "{nope")
	assert.ErrorIs(t, err, ErrTypeConversion)
}

func TestMongoDocument(t *testing.T) {
	hex := "65f1a2b3c4d5e6f708091a2b"
	tbl := &Table{Columns: []Column{
		{Name: "_id", Type: TypeString, IsPrimaryKey: true},
		{Name: "name", Type: TypeString},
	}}
	doc := mongoDocument(tbl, []any{hex, "Ada"})
	require.Len(t, doc, 2)
	oid, _ := primitive.ObjectIDFromHex(hex)
	assert.Equal(t, bson.E{Key: "_id", Value: oid}, doc[0])
	assert.Equal(t, bson.E{Key: "name", Value: "Ada"}, doc[1])

	// A relational key is kept as a field and mirrored into _id.
	tbl = &Table{Columns: []Column{
		{Name: "id", Type: TypeLong, IsPrimaryKey: true},
		{Name: "name", Type: TypeString, Nullable: true},
	}}
	doc = mongoDocument(tbl, []any{int64(7), nil})
	assert.Equal(t, bson.D{
		{Key: "_id", Value: int64(7)},
		{Key: "id", Value: int64(7)},
		{Key: "name", Value: nil},
	}, doc)
}

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// feedStringLength is the MaxLength reported for every feed column.
	feedStringLength = 2550
	// feedMaxBody caps the size of a feed response.
	feedMaxBody = 256 << 20
)

// jsonFeedConnector reads a JSON array from an HTTP endpoint. It exposes one
// table named after the last URL path segment and can only be a source.
type jsonFeedConnector struct {
	url    string
	client *http.Client

	mu    sync.Mutex
	items []gjson.Result // nil until the feed has been fetched
}

func newJSONFeedConnector(feedURL string, client *http.Client) (*jsonFeedConnector, error) {
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: feed url %q must be an absolute http(s) URL", ErrConnectionFailure, feedURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &jsonFeedConnector{url: feedURL, client: client}, nil
}

func (f *jsonFeedConnector) Name() string { return "JSON feed" }

// ReadOnly marks the feed as source-only.
func (f *jsonFeedConnector) ReadOnly() bool { return true }

// feedTableName derives the table name from the last path segment of the URL.
func feedTableName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "feed"
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "" || name == "." || name == "/" {
		return "feed"
	}
	return name
}

// load fetches the feed once; every later call reuses the same snapshot.
func (f *jsonFeedConnector) load(ctx context.Context) ([]gjson.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items != nil {
		return f.items, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch feed: %v", ErrConnectionFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch feed: unexpected status %s", ErrConnectionFailure, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, feedMaxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read feed: %v", ErrConnectionFailure, err)
	}

	items, err := parseFeed(body)
	if err != nil {
		return nil, err
	}
	f.items = items
	return items, nil
}

// parseFeed accepts a top-level array of objects, or an object wrapping one
// under "data".
func parseFeed(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("feed: response is not valid JSON")
	}
	res := gjson.ParseBytes(body)
	if res.IsObject() {
		res = res.Get("data")
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("feed: expected a JSON array of objects")
	}
	items := make([]gjson.Result, 0)
	for _, item := range res.Array() {
		if item.IsObject() {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *jsonFeedConnector) ListTableNames(context.Context) ([]string, error) {
	return []string{feedTableName(f.url)}, nil
}

func (f *jsonFeedConnector) DescribeTable(ctx context.Context, name string) (string, error) {
	items, err := f.load(ctx)
	if err != nil {
		return "", err
	}
	return encodeDescriptor(name, inferFeedColumns(items)), nil
}

// inferFeedColumns types columns from the first item. Every column is
// nullable; "id" in any case is the primary key.
func inferFeedColumns(items []gjson.Result) []Column {
	if len(items) == 0 {
		return nil
	}
	var cols []Column
	items[0].ForEach(func(key, value gjson.Result) bool {
		col := Column{
			Name:         key.String(),
			MaxLength:    feedStringLength,
			Nullable:     true,
			IsPrimaryKey: strings.EqualFold(key.String(), "id"),
		}
		col.Type, col.IsArray = feedColumnType(value)
		cols = append(cols, col)
		return true
	})
	return cols
}

func feedColumnType(v gjson.Result) (ColumnType, bool) {
	switch v.Type {
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return TypeDouble, false
		}
		n := v.Int()
		if n < math.MinInt32 || n > math.MaxInt32 {
			return TypeLong, false
		}
		return TypeInt, false
	case gjson.True, gjson.False:
		return TypeBoolean, false
	case gjson.String:
		if _, err := uuid.Parse(v.Str); err == nil && len(v.Str) == 36 {
			return TypeGuid, false
		}
		return TypeString, false
	case gjson.JSON:
		if v.IsArray() {
			return TypeJsonb, true
		}
		return TypeJson, false
	}
	return TypeString, false
}

func feedRow(item gjson.Result) Row {
	var row Row
	item.ForEach(func(key, value gjson.Result) bool {
		c := Cell{ColumnName: key.String()}
		switch value.Type {
		case gjson.Null:
			c.Null = true
		case gjson.String:
			c.ValueString = value.Str
		default:
			c.ValueString = value.Raw
		}
		row.Cells = append(row.Cells, c)
		return true
	})
	return row
}

func (f *jsonFeedConnector) RowCount(ctx context.Context, _ *Table) (int64, error) {
	items, err := f.load(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (f *jsonFeedConnector) FetchRows(ctx context.Context, t *Table) error {
	items, err := f.load(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		t.Rows = append(t.Rows, feedRow(item))
	}
	return nil
}

// FetchRowsPage pages over the cached snapshot in feed order.
func (f *jsonFeedConnector) FetchRowsPage(ctx context.Context, t *Table, offset, limit int64) error {
	items, err := f.load(ctx)
	if err != nil {
		return err
	}
	n := int64(len(items))
	if offset >= n {
		return nil
	}
	end := min(offset+limit, n)
	for _, item := range items[offset:end] {
		t.Rows = append(t.Rows, feedRow(item))
	}
	return nil
}

func (f *jsonFeedConnector) ListRelations(context.Context) ([]Relation, error) {
	return nil, nil
}

func (f *jsonFeedConnector) readOnlyError(op string) error {
	return fmt.Errorf("%w: %s on a read-only JSON feed", ErrUnsupportedOperation, op)
}

func (f *jsonFeedConnector) CreateTable(context.Context, *Table) error {
	return f.readOnlyError("create table")
}

func (f *jsonFeedConnector) InsertRow(context.Context, *Table, Row) error {
	return f.readOnlyError("insert")
}

func (f *jsonFeedConnector) InsertRows(context.Context, *Table, []Row) error {
	return f.readOnlyError("insert")
}

func (f *jsonFeedConnector) CreateRelation(context.Context, Relation) (RelationMode, error) {
	return "", f.readOnlyError("create relation")
}

func (f *jsonFeedConnector) DropTable(context.Context, string) error {
	return f.readOnlyError("drop table")
}

func (f *jsonFeedConnector) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/table"
)

// AnalyticBackend executes declarative SQL against the artifact store.
// It is treated as a pure function of query text; Quasar never inspects
// or rewrites the SQL.
type AnalyticBackend interface {
	// Query executes sql and returns the result table. The caller owns
	// the returned table's reference.
	Query(ctx context.Context, sql string) (*table.Table, error)
}

// ProxyResult carries an analytic engine's reply unmodified: the upstream
// status code, content type, and body bytes exactly as received.
type ProxyResult struct {
	Status      int
	ContentType string
	Body        []byte
}

// ExecProxy is implemented by backends that can relay a raw /exec reply
// without decoding it. The HTTP surface uses this to pass engine responses
// through verbatim.
type ExecProxy interface {
	ProxyExec(ctx context.Context, sql string, limit int) (*ProxyResult, error)
}

// httpAnalyticBackend forwards SQL over HTTP to an external analytical
// engine speaking the /exec?query=... JSON convention.
type httpAnalyticBackend struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPAnalyticBackend creates a backend forwarding to baseURL.
func NewHTTPAnalyticBackend(baseURL string) AnalyticBackend {
	return &httpAnalyticBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: logger.With(zap.String("component", "analytic"), zap.String("url", baseURL)),
	}
}

// analyticResponse is the JSON shape of the external engine's /exec reply.
type analyticResponse struct {
	Query   string `json:"query"`
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Dataset [][]interface{} `json:"dataset"`
	Count   int             `json:"count"`
	Error   string          `json:"error,omitempty"`
}

func (b *httpAnalyticBackend) Query(ctx context.Context, sql string) (*table.Table, error) {
	endpoint := fmt.Sprintf("%s/exec?%s", b.baseURL, url.Values{
		"query": {sql},
		"fmt":   {"json"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "failed to build analytic request")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "analytic engine unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to read analytic response")
	}

	var decoded analyticResponse
	if err := gojson.Unmarshal(body, &decoded); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "malformed analytic response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("analytic engine returned status %d", resp.StatusCode)
		}
		return nil, errors.New(errors.ErrorTypeInvalidArgument, msg)
	}

	tbl, err := tableFromAnalyticResponse(&decoded)
	if err != nil {
		return nil, err
	}

	b.log.Debug("analytic query complete",
		zap.Int("rows", int(tbl.NumRows())),
		zap.Duration("elapsed", time.Since(start)))
	return tbl, nil
}

// ProxyExec forwards sql upstream and returns the engine's reply exactly
// as received. Only transport failures produce an error; engine-level
// errors travel back inside the result's status and body.
func (b *httpAnalyticBackend) ProxyExec(ctx context.Context, sql string, limit int) (*ProxyResult, error) {
	params := url.Values{
		"query": {sql},
		"fmt":   {"json"},
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/exec?%s", b.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "failed to build analytic request")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "analytic engine unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to read analytic response")
	}
	return &ProxyResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func tableFromAnalyticResponse(resp *analyticResponse) (*table.Table, error) {
	if len(resp.Columns) == 0 {
		return nil, errors.New(errors.ErrorTypeStorageIO, "analytic response has no columns")
	}

	fields := make([]arrow.Field, len(resp.Columns))
	for i, col := range resp.Columns {
		fields[i] = arrow.Field{Name: col.Name, Type: analyticTypeToArrow(col.Type), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	rows := make([][]interface{}, len(resp.Dataset))
	for ri, in := range resp.Dataset {
		if len(in) != len(fields) {
			return nil, errors.Newf(errors.ErrorTypeStorageIO,
				"analytic row %d has %d values, expected %d", ri, len(in), len(fields))
		}
		row := make([]interface{}, len(in))
		for ci, val := range in {
			coerced, err := coerceAnalyticValue(val, fields[ci].Type)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeStorageIO,
					fmt.Sprintf("analytic row %d column %q", ri, fields[ci].Name))
			}
			row[ci] = coerced
		}
		rows[ri] = row
	}

	tbl, err := table.FromRows(schema, rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageIO, "failed to build analytic result table")
	}
	return tbl, nil
}

func analyticTypeToArrow(t string) arrow.DataType {
	switch strings.ToUpper(t) {
	case "INT", "LONG", "SHORT", "BYTE":
		return arrow.PrimitiveTypes.Int64
	case "DOUBLE", "FLOAT":
		return arrow.PrimitiveTypes.Float64
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// coerceAnalyticValue maps JSON-decoded values onto the arrow type chosen
// for the column. JSON numbers always arrive as float64.
func coerceAnalyticValue(val interface{}, dt arrow.DataType) (interface{}, error) {
	if val == nil {
		return nil, nil
	}
	switch dt.ID() {
	case arrow.INT64:
		f, ok := val.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		return int64(f), nil
	case arrow.FLOAT64:
		f, ok := val.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		return f, nil
	case arrow.BOOL:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", val)
		}
		return b, nil
	default:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("%v", val), nil
		}
		return s, nil
	}
}

// unconfiguredAnalyticBackend rejects every query. Used when no external
// engine endpoint is configured.
type unconfiguredAnalyticBackend struct{}

// NewUnconfiguredAnalyticBackend returns a backend whose Query always
// fails with an unimplemented error naming the missing configuration.
func NewUnconfiguredAnalyticBackend() AnalyticBackend {
	return unconfiguredAnalyticBackend{}
}

func (unconfiguredAnalyticBackend) Query(ctx context.Context, sql string) (*table.Table, error) {
	return nil, errors.New(errors.ErrorTypeUnimplemented,
		"no analytic engine configured; set ANALYTIC_URL to enable SQL queries")
}

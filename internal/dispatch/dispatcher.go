// Package dispatch is the operation layer between transports and the
// handle, engine, and storage subsystems. The dispatcher itself is
// stateless: every request is fully described by its arguments, so any
// number of transports (HTTP today, others later) can share one instance.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quasar-data/quasar/internal/engine"
	"github.com/quasar-data/quasar/internal/handle"
	"github.com/quasar-data/quasar/internal/storage"
	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/metrics"
	"github.com/quasar-data/quasar/pkg/table"
)

// Dispatcher routes operations to the owning subsystem and records
// per-operation latency.
type Dispatcher struct {
	handles handle.Provider
	store   *storage.TieredStorage
	engine  *engine.Engine
	log     *zap.Logger
}

// New assembles a dispatcher over the given subsystems.
func New(handles handle.Provider, store *storage.TieredStorage) *Dispatcher {
	return &Dispatcher{
		handles: handles,
		store:   store,
		engine:  engine.New(),
		log:     logger.With(zap.String("component", "dispatcher")),
	}
}

// HandleInfo is the client-visible description of a handle's table.
type HandleInfo struct {
	Handle  string             `json:"handle"`
	Rows    int64              `json:"rows"`
	Columns []table.ColumnInfo `json:"columns"`
}

// CreateRequest carries the payload for a new handle: either inline
// Arrow IPC bytes or a server-side Parquet path, not both.
type CreateRequest struct {
	IPCData     []byte   `json:"-"`
	ParquetPath string   `json:"parquet_path,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	Limit       int64    `json:"limit,omitempty"`
}

// CreateHandle registers a new table and returns its handle.
func (d *Dispatcher) CreateHandle(ctx context.Context, req CreateRequest) (info *HandleInfo, err error) {
	defer d.observe("create_handle", time.Now(), &err)

	var tbl *table.Table
	switch {
	case len(req.IPCData) > 0 && req.ParquetPath != "":
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "provide inline data or a parquet path, not both")
	case len(req.IPCData) > 0:
		tbl, err = table.FromIPC(req.IPCData)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidArgument, "malformed IPC payload")
		}
	case req.ParquetPath != "":
		tbl, err = engine.ReadParquet(ctx, req.ParquetPath, req.Columns, req.Limit)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "create requires inline data or a parquet path")
	}
	defer tbl.Release()

	id, err := d.handles.Put(ctx, tbl)
	if err != nil {
		return nil, err
	}
	return d.info(id, tbl), nil
}

// Invoke applies one engine operation to the table behind id and
// registers the result under a new handle. The input handle stays valid.
func (d *Dispatcher) Invoke(ctx context.Context, id string, op engine.Operation) (info *HandleInfo, err error) {
	defer d.observe("invoke", time.Now(), &err)

	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	out, err := d.engine.Apply(ctx, op, tbl)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	outID, err := d.handles.Put(ctx, out)
	if err != nil {
		return nil, err
	}
	return d.info(outID, out), nil
}

// Describe returns handle metadata without materializing any rows.
func (d *Dispatcher) Describe(ctx context.Context, id string) (info *HandleInfo, err error) {
	defer d.observe("describe", time.Now(), &err)

	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()
	return d.info(id, tbl), nil
}

// Materialize serializes the table behind id to Arrow IPC. A positive
// maxRows splits the stream into chunks of at most that many rows each;
// otherwise the whole table is one chunk.
func (d *Dispatcher) Materialize(ctx context.Context, id string, maxRows int64) (chunks [][]byte, err error) {
	defer d.observe("materialize", time.Now(), &err)

	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	if maxRows > 0 {
		return tbl.IPCChunks(maxRows)
	}
	data, err := tbl.ToIPC()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize table")
	}
	return [][]byte{data}, nil
}

// Fetch returns up to limit rows behind id as JSON-friendly values,
// together with the column descriptions. A non-positive limit returns
// every row.
func (d *Dispatcher) Fetch(ctx context.Context, id string, limit int) (cols []table.ColumnInfo, rows [][]interface{}, err error) {
	defer d.observe("fetch", time.Now(), &err)

	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer tbl.Release()
	return tbl.Columns(), tbl.Rows(limit), nil
}

// CloneHandle registers the table behind id under a second handle with a
// fresh TTL. The payload is shared, not copied.
func (d *Dispatcher) CloneHandle(ctx context.Context, id string) (info *HandleInfo, err error) {
	defer d.observe("clone_handle", time.Now(), &err)

	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	cloneID, err := d.handles.Put(ctx, tbl)
	if err != nil {
		return nil, err
	}
	return d.info(cloneID, tbl), nil
}

// ExportParquet writes the table behind id to a Parquet file at path.
func (d *Dispatcher) ExportParquet(ctx context.Context, id, path string) (err error) {
	defer d.observe("export_parquet", time.Now(), &err)

	if path == "" {
		return errors.New(errors.ErrorTypeInvalidArgument, "export requires a file path")
	}
	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return err
	}
	defer tbl.Release()
	return engine.WriteParquet(ctx, path, tbl)
}

// DropHandle discards id.
func (d *Dispatcher) DropHandle(ctx context.Context, id string) (err error) {
	defer d.observe("drop_handle", time.Now(), &err)
	return d.handles.Drop(ctx, id)
}

// Heartbeat refreshes the listed handles and reports per-ID liveness.
func (d *Dispatcher) Heartbeat(ctx context.Context, ids []string) (alive map[string]bool, err error) {
	defer d.observe("heartbeat", time.Now(), &err)
	return d.handles.Heartbeat(ids), nil
}

// SaveTable persists the table behind id into tiered storage under key.
// The write is asynchronous; the handle stays valid either way.
func (d *Dispatcher) SaveTable(ctx context.Context, id, key string) (err error) {
	defer d.observe("save_table", time.Now(), &err)

	if key == "" {
		return errors.New(errors.ErrorTypeInvalidArgument, "save requires a storage key")
	}
	tbl, err := d.handles.Resolve(ctx, id)
	if err != nil {
		return err
	}
	defer tbl.Release()
	return d.store.Store(ctx, key, tbl)
}

// OpenStored resolves key through the storage tiers and registers the
// result under a fresh handle.
func (d *Dispatcher) OpenStored(ctx context.Context, key string) (info *HandleInfo, err error) {
	defer d.observe("open_stored", time.Now(), &err)

	tbl, err := d.store.SmartLoad(ctx, key)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	id, err := d.handles.Put(ctx, tbl)
	if err != nil {
		return nil, err
	}
	return d.info(id, tbl), nil
}

// ListStored lists the keys in the compressed store.
func (d *Dispatcher) ListStored(ctx context.Context) (keys []string, err error) {
	defer d.observe("list_stored", time.Now(), &err)
	return d.store.ListKeys()
}

// DeleteStored removes key from every storage tier.
func (d *Dispatcher) DeleteStored(ctx context.Context, key string) (err error) {
	defer d.observe("delete_stored", time.Now(), &err)
	return d.store.Delete(ctx, key)
}

// Query forwards SQL to the analytic backend and registers the result
// under a handle.
func (d *Dispatcher) Query(ctx context.Context, sql string) (info *HandleInfo, err error) {
	defer d.observe("query", time.Now(), &err)

	if sql == "" {
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "query requires SQL text")
	}
	tbl, err := d.store.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	id, err := d.handles.Put(ctx, tbl)
	if err != nil {
		return nil, err
	}
	return d.info(id, tbl), nil
}

// ProxyQuery relays sql to the analytic backend and hands back its raw
// reply for verbatim passthrough. No handle is created.
func (d *Dispatcher) ProxyQuery(ctx context.Context, sql string, limit int) (res *storage.ProxyResult, err error) {
	defer d.observe("proxy_query", time.Now(), &err)

	if sql == "" {
		return nil, errors.New(errors.ErrorTypeInvalidArgument, "query requires SQL text")
	}
	return d.store.ProxyQuery(ctx, sql, limit)
}

// Stats reports the storage layer's advisory counters plus the live
// handle count.
func (d *Dispatcher) Stats() *Stats {
	return &Stats{
		Storage:       d.store.Stats(),
		ActiveHandles: d.handles.Count(),
	}
}

// Stats is the combined observability snapshot served over /stats.
type Stats struct {
	Storage       *storage.Statistics `json:"storage"`
	ActiveHandles int                 `json:"active_handles"`
}

func (d *Dispatcher) info(id string, tbl *table.Table) *HandleInfo {
	return &HandleInfo{
		Handle:  id,
		Rows:    tbl.NumRows(),
		Columns: tbl.Columns(),
	}
}

func (d *Dispatcher) observe(op string, start time.Time, err *error) {
	status := "ok"
	if err != nil && *err != nil {
		status = string(errors.GetType(*err))
	}
	metrics.RequestLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// Package storage implements the event-log and entity-state collaborator
// spec.md §6 defines: add_event/get_events over the causal DAG, and
// set_state/get_state/fetch_states/dump_entity_events over materialized
// entities. It is a thin, opaque map+log: the core never asks storage to
// interpret an event's operations, and fetch_states decodes only as much of
// a state fragment's lww buffer as predicate evaluation needs.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/predicate"
	"github.com/sandwichfarm/causalnet/internal/property"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	blob BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);

CREATE TABLE IF NOT EXISTS state_fragments (
	entity_id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	blob BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_fragments_collection ON state_fragments(collection);
`

// Storage is the sqlite-backed implementation of the storage collaborator.
// Per-entity set_state calls are serialized through entityLocks so two
// concurrent publishers of descendant states can't lose an update to a
// races-to-the-upsert (spec.md §5 "shared resources").
type Storage struct {
	db  *sqlx.DB
	cfg *config.Storage

	entityLocks *xsync.MapOf[proto.EntityId, *sync.Mutex]

	enc *zstd.Encoder
	dec *zstd.Decoder

	logger *ops.Logger
}

// New opens (creating if absent) the sqlite database at cfg.DSN and runs
// migrations.
func New(ctx context.Context, cfg *config.Storage, logger *ops.Logger) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.DSN, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMs)); err != nil {
		return nil, fmt.Errorf("storage: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("storage: set journal_mode: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("storage: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: new zstd decoder: %w", err)
	}

	s := &Storage{
		db:          db,
		cfg:         cfg,
		entityLocks: xsync.NewMapOf[proto.EntityId, *sync.Mutex](),
		enc:         enc,
		dec:         dec,
		logger:      logger,
	}
	if err := s.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// compress shrinks an encoded event/state blob before it hits a BLOB column.
// Event and state-fragment payloads are small JSON documents with a lot of
// repeated structure (property tags, hex ids), so they compress well and
// storage's footprint matters more than a few microseconds of CPU per call.
func (s *Storage) compress(buf []byte) []byte {
	return s.enc.EncodeAll(buf, nil)
}

func (s *Storage) decompress(buf []byte) ([]byte, error) {
	out, err := s.dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decompress blob: %w", err)
	}
	return out, nil
}

func (s *Storage) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Storage) lockFor(id proto.EntityId) *sync.Mutex {
	mu, _ := s.entityLocks.LoadOrCompute(id, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (s *Storage) logOp(op string, start time.Time, err error) {
	if s.logger != nil {
		s.logger.LogStorageOperation(op, time.Since(start), err)
	}
}

// AddEvent persists ev if it is not already present, returning whether it
// was newly inserted. Events are content-addressed, so a duplicate insert
// is always a no-op rather than an error.
func (s *Storage) AddEvent(ctx context.Context, att proto.Attested[*proto.Event]) (bool, error) {
	start := time.Now()
	ev := att.Value
	blob, err := proto.EncodeEvent(ev)
	if err != nil {
		return false, fmt.Errorf("storage: encode event %s: %w", ev.Id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, entity_id, collection, blob) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.Id.String(), string(ev.EntityId), string(ev.Collection), s.compress(blob))
	s.logOp("add_event", start, err)
	if err != nil {
		return false, fmt.Errorf("storage: add event %s: %w", ev.Id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: add event %s rows affected: %w", ev.Id, err)
	}
	return n > 0, nil
}

// GetEvents fetches every event named by ids that is present in storage,
// silently omitting any that are not (the caller distinguishes "not found"
// from "found" by comparing len(result) against len(ids)). Implements
// dag.EventSource and lineage.GetEvents.
func (s *Storage) GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	hexIDs := make([]string, len(ids))
	for i, id := range ids {
		hexIDs[i] = id.String()
	}

	query, args, err := sqlx.In(`SELECT blob FROM events WHERE id IN (?)`, hexIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: build get_events query: %w", err)
	}
	query = s.db.Rebind(query)

	var blobs [][]byte
	err = s.db.SelectContext(ctx, &blobs, query, args...)
	s.logOp("get_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("storage: get_events: %w", err)
	}

	events := make([]*proto.Event, 0, len(blobs))
	for _, blob := range blobs {
		raw, err := s.decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("storage: get_events: %w", err)
		}
		ev, err := proto.DecodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: decode stored event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// EstimateCost implements lineage.GetEvents: one unit of cost per event in
// the batch, matching a single indexed query's amortized cost.
func (s *Storage) EstimateCost(batchSize int) int {
	if batchSize < 1 {
		return 1
	}
	return batchSize
}

// DumpEntityEvents returns every event stored for entityID, in no
// particular order, for the debug/test surface SPEC_FULL §13 names.
func (s *Storage) DumpEntityEvents(ctx context.Context, entityID proto.EntityId) ([]proto.Attested[*proto.Event], error) {
	start := time.Now()
	var blobs [][]byte
	err := s.db.SelectContext(ctx, &blobs, `SELECT blob FROM events WHERE entity_id = ?`, string(entityID))
	s.logOp("dump_entity_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("storage: dump_entity_events %s: %w", entityID, err)
	}
	out := make([]proto.Attested[*proto.Event], 0, len(blobs))
	for _, blob := range blobs {
		raw, err := s.decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("storage: dump_entity_events %s: %w", entityID, err)
		}
		ev, err := proto.DecodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: decode dumped event: %w", err)
		}
		out = append(out, proto.NewAttested(ev))
	}
	return out, nil
}

// GetState loads the materialized StateFragment for entityID, if one has
// been persisted.
func (s *Storage) GetState(ctx context.Context, entityID proto.EntityId) (proto.Attested[*proto.StateFragment], bool, error) {
	start := time.Now()
	var blob []byte
	err := s.db.GetContext(ctx, &blob, `SELECT blob FROM state_fragments WHERE entity_id = ?`, string(entityID))
	if err == sql.ErrNoRows {
		s.logOp("get_state", start, nil)
		return proto.Attested[*proto.StateFragment]{}, false, nil
	}
	s.logOp("get_state", start, err)
	if err != nil {
		return proto.Attested[*proto.StateFragment]{}, false, fmt.Errorf("storage: get_state %s: %w", entityID, err)
	}
	raw, err := s.decompress(blob)
	if err != nil {
		return proto.Attested[*proto.StateFragment]{}, false, fmt.Errorf("storage: get_state %s: %w", entityID, err)
	}
	frag, err := proto.DecodeStateFragment(raw)
	if err != nil {
		return proto.Attested[*proto.StateFragment]{}, false, fmt.Errorf("storage: decode state fragment %s: %w", entityID, err)
	}
	return proto.NewAttested(frag), true, nil
}

// SetState persists att, replacing any prior fragment for the same entity,
// and reports whether the stored bytes actually changed. The per-entity
// lock prevents two concurrent set_state calls for the same entity from
// interleaving a read-modify-write and losing an update.
func (s *Storage) SetState(ctx context.Context, att proto.Attested[*proto.StateFragment]) (bool, error) {
	frag := att.Value
	mu := s.lockFor(frag.EntityId)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	raw, err := proto.EncodeStateFragment(frag)
	if err != nil {
		return false, fmt.Errorf("storage: encode state fragment %s: %w", frag.EntityId, err)
	}
	blob := s.compress(raw)

	var existing []byte
	getErr := s.db.GetContext(ctx, &existing, `SELECT blob FROM state_fragments WHERE entity_id = ?`, string(frag.EntityId))
	if getErr != nil && getErr != sql.ErrNoRows {
		return false, fmt.Errorf("storage: set_state %s: read existing: %w", frag.EntityId, getErr)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_fragments (entity_id, collection, blob) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET collection = excluded.collection, blob = excluded.blob`,
		string(frag.EntityId), string(frag.Collection), blob)
	s.logOp("set_state", start, err)
	if err != nil {
		return false, fmt.Errorf("storage: set_state %s: %w", frag.EntityId, err)
	}

	changed := getErr == sql.ErrNoRows || string(existing) != string(blob)
	return changed, nil
}

// FetchStates returns every entity state fragment in sel.Collection whose
// lww properties satisfy sel.Predicate (parsed as a predicate expression).
// A nil or empty Predicate matches every fragment in the collection.
func (s *Storage) FetchStates(ctx context.Context, sel proto.Selection) ([]proto.Attested[*proto.StateFragment], error) {
	start := time.Now()
	var blobs [][]byte
	err := s.db.SelectContext(ctx, &blobs, `SELECT blob FROM state_fragments WHERE collection = ?`, string(sel.Collection))
	s.logOp("fetch_states", start, err)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch_states %s: %w", sel.Collection, err)
	}

	var expr predicate.Expr
	if len(sel.Predicate) > 0 {
		expr, err = predicate.Parse(string(sel.Predicate))
		if err != nil {
			return nil, fmt.Errorf("storage: fetch_states %s: parse predicate: %w", sel.Collection, err)
		}
	}

	out := make([]proto.Attested[*proto.StateFragment], 0, len(blobs))
	for _, blob := range blobs {
		raw, err := s.decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("storage: fetch_states %s: %w", sel.Collection, err)
		}
		frag, err := proto.DecodeStateFragment(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: decode fetched state fragment: %w", err)
		}
		if expr != nil {
			ok, err := predicate.Eval(expr, lwwLookup(frag))
			if err != nil {
				return nil, fmt.Errorf("storage: fetch_states %s: evaluate predicate: %w", sel.Collection, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, proto.NewAttested(frag))
	}
	return out, nil
}

// lwwLookup builds a predicate.Lookup over a StateFragment's lww buffer,
// decoding it at most once. Predicates only ever address lww-backed fields;
// counters and text slots aren't meaningfully comparable, so fields backed
// by other tags simply miss.
func lwwLookup(frag *proto.StateFragment) predicate.Lookup {
	var decoded bool
	var lww *property.LWWBackend
	return func(field string) ([]byte, bool) {
		if !decoded {
			decoded = true
			if buf, ok := frag.StateBuffers["lww"]; ok {
				lww = property.NewLWWBackend()
				if err := lww.Decode(buf); err != nil {
					lww = nil
				}
			}
		}
		if lww == nil {
			return nil, false
		}
		return lww.Get(field)
	}
}

// CountEvents implements ops.StorageHealth.
func (s *Storage) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events`)
	return n, err
}

// CountEntities implements ops.StorageHealth.
func (s *Storage) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM state_fragments`)
	return n, err
}

// DatabaseSizeMB implements ops.StorageHealth via sqlite's page accounting.
func (s *Storage) DatabaseSizeMB(ctx context.Context) (float64, error) {
	var pageCount, pageSize int64
	if err := s.db.GetContext(ctx, &pageCount, `PRAGMA page_count`); err != nil {
		return 0, fmt.Errorf("storage: page_count: %w", err)
	}
	if err := s.db.GetContext(ctx, &pageSize, `PRAGMA page_size`); err != nil {
		return 0, fmt.Errorf("storage: page_size: %w", err)
	}
	return float64(pageCount*pageSize) / (1024 * 1024), nil
}

// Ping implements ops.StorageHealth.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

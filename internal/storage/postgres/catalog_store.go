// Package postgres provides the Postgres-backed event catalog.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// CatalogStore persists the catalog in Postgres.
type CatalogStore struct {
	pool txPool
}

var _ catalog.Store = (*CatalogStore)(nil)

// NewCatalogStore connects a pool using cfg.
func NewCatalogStore(ctx context.Context, cfg Config) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CatalogStore{pool: pool}, nil
}

// NewCatalogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCatalogStoreWithPool(pool txPool) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the catalog schema. It is idempotent.
func (s *CatalogStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *CatalogStore) InTx(ctx context.Context, fn func(catalog.Repository) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&catalogTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type catalogTx struct {
	tx pgx.Tx
}

func (t *catalogTx) FindEventIDsBySignatures(ctx context.Context, sigs []event.Signature) (map[event.Signature]int64, error) {
	out := make(map[event.Signature]int64, len(sigs))
	if len(sigs) == 0 {
		return out, nil
	}
	titles := make([]string, len(sigs))
	starts := make([]time.Time, len(sigs))
	for i, sig := range sigs {
		titles[i] = strings.TrimSpace(sig.Title)
		starts[i] = sig.Start.UTC()
	}
	query := `
		SELECT e.id, e.title, e.start_time
		FROM events e
		JOIN unnest($1::text[], $2::timestamptz[]) AS s(title, start_time)
		  ON e.title = s.title AND e.start_time = s.start_time;
	`
	rows, err := t.tx.Query(ctx, query, titles, starts)
	if err != nil {
		return nil, fmt.Errorf("find events by signature: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    int64
			title string
			start time.Time
		)
		if err := rows.Scan(&id, &title, &start); err != nil {
			return nil, fmt.Errorf("scan event signature: %w", err)
		}
		out[event.Signature{Title: title, Start: start.UTC()}] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event signatures: %w", err)
	}
	return out, nil
}

func (t *catalogTx) PatchEvent(ctx context.Context, id int64, p catalog.Patch) error {
	query := `
		UPDATE events
		SET price_min = COALESCE($2, price_min),
			price_max = COALESCE($3, price_max),
			tickets_info = COALESCE($4, tickets_info),
			end_time = COALESCE($5, end_time),
			updated_at = now()
		WHERE id = $1;
	`
	tag, err := t.tx.Exec(ctx, query, id, p.PriceMin, p.PriceMax, p.TicketsInfo, p.End)
	if err != nil {
		return fmt.Errorf("patch event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d: %w", id, catalog.ErrNotFound)
	}
	return t.attachLinks(ctx, id, p.Links)
}

func (t *catalogTx) GetOrCreateEntitiesByName(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	names = entity.NewSet(names...).Names()
	if len(names) == 0 {
		return out, nil
	}
	insert := `
		INSERT INTO artists (name)
		SELECT unnest($1::text[])
		ON CONFLICT (name) DO NOTHING;
	`
	if _, err := t.tx.Exec(ctx, insert, names); err != nil {
		return nil, fmt.Errorf("insert entities: %w", err)
	}
	rows, err := t.tx.Query(ctx, `SELECT id, name FROM artists WHERE name = ANY($1::text[]);`, names)
	if err != nil {
		return nil, fmt.Errorf("select entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func (t *catalogTx) GetOrCreateCityAndCountry(ctx context.Context, city, country string) (int64, int64, error) {
	country = strings.TrimSpace(country)
	var countryID int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO countries (name, name_key) VALUES ($1, $2)
		ON CONFLICT (name_key) DO UPDATE SET name_key = EXCLUDED.name_key
		RETURNING id;
	`, country, strings.ToLower(country)).Scan(&countryID)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert country %q: %w", country, err)
	}
	city = strings.TrimSpace(city)
	var cityID int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO cities (name, name_key, country_id) VALUES ($1, $2, $3)
		ON CONFLICT (name_key, country_id) DO UPDATE SET name_key = EXCLUDED.name_key
		RETURNING id;
	`, city, strings.ToLower(city), countryID).Scan(&cityID)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert city %q: %w", city, err)
	}
	return cityID, countryID, nil
}

func (t *catalogTx) GetOrCreateVenue(ctx context.Context, name string, cityID, countryID int64) (int64, error) {
	name = strings.TrimSpace(name)
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO venues (name, name_key, city_id, country_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name_key, city_id) DO UPDATE SET name_key = EXCLUDED.name_key
		RETURNING id;
	`, name, strings.ToLower(name), cityID, countryID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert venue %q: %w", name, err)
	}
	return id, nil
}

func (t *catalogTx) CreateEventWithEntities(ctx context.Context, ev catalog.NewEvent, entityIDs map[string]int64) (int64, error) {
	e := ev.Event
	if e.Start == nil {
		return 0, fmt.Errorf("event %q has no start", e.Title)
	}
	var typeID *int64
	if category := strings.TrimSpace(e.Category); category != "" {
		var id int64
		err := t.tx.QueryRow(ctx, `
			INSERT INTO event_types (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id;
		`, category).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("upsert event type %q: %w", category, err)
		}
		typeID = &id
	}
	var tickets *string
	if e.TicketsInfo != "" {
		tickets = &e.TicketsInfo
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO events (title, start_time, end_time, venue_id, type_id, price_min, price_max, tickets_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id;
	`,
		strings.TrimSpace(e.Title),
		e.Start.UTC(),
		e.End,
		ev.VenueID,
		typeID,
		e.PriceMin,
		e.PriceMax,
		tickets,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event %q: %w", e.Title, err)
	}

	if len(entityIDs) > 0 {
		ids := make([]int64, 0, len(entityIDs))
		for _, eid := range entityIDs {
			ids = append(ids, eid)
		}
		slices.Sort(ids)
		_, err := t.tx.Exec(ctx, `
			INSERT INTO event_artists (event_id, artist_id)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING;
		`, id, ids)
		if err != nil {
			return 0, fmt.Errorf("link entities to event %d: %w", id, err)
		}
	}
	if err := t.attachLinks(ctx, id, ev.Links); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *catalogTx) attachLinks(ctx context.Context, eventID int64, links []string) error {
	if len(links) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_links (event_id, url)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (event_id, url) DO NOTHING;
	`, eventID, links)
	if err != nil {
		return fmt.Errorf("attach links to event %d: %w", eventID, err)
	}
	return nil
}

// Savepoint runs fn in a nested transaction backed by a SAVEPOINT.
func (t *catalogTx) Savepoint(ctx context.Context, fn func(catalog.Repository) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(&catalogTx{tx: nested}); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if err := nested.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

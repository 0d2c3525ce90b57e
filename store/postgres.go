package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/bundleworker/bundle"
)

// PostgresStore is the durable MetadataStore backend. It follows the pool
// sizing and conditional-update-via-affected-rows idiom of the control
// plane's own Postgres store: a row-level compare-and-swap is just an
// UPDATE whose WHERE clause repeats the expected pre-state, checked by
// inspecting RowsAffected.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against connString and verifies
// connectivity before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Schema (informational; migrations live outside the worker core):
//
//	CREATE TABLE bundles (
//	  uuid text PRIMARY KEY,
//	  kind text NOT NULL,
//	  state text NOT NULL,
//	  data_hash text,
//	  dependencies jsonb NOT NULL DEFAULT '[]',
//	  metadata jsonb NOT NULL DEFAULT '{}'
//	);
//	CREATE TABLE bundle_actions (
//	  id bigserial PRIMARY KEY,
//	  bundle_uuid text NOT NULL,
//	  action text NOT NULL
//	);

func (s *PostgresStore) BatchGetBundles(ctx context.Context, filter bundle.BundleFilter) ([]*bundle.Bundle, error) {
	var rows pgx.Rows
	var err error

	switch {
	case len(filter.UUIDs) > 0:
		uuids := make([]string, 0, len(filter.UUIDs))
		for u := range filter.UUIDs {
			uuids = append(uuids, u)
		}
		if filter.State != "" {
			rows, err = s.pool.Query(ctx,
				`SELECT uuid, kind, state, data_hash, dependencies, metadata FROM bundles WHERE uuid = ANY($1) AND state = $2`, uuids, string(filter.State))
		} else {
			rows, err = s.pool.Query(ctx,
				`SELECT uuid, kind, state, data_hash, dependencies, metadata FROM bundles WHERE uuid = ANY($1)`, uuids)
		}
	case filter.State != "":
		rows, err = s.pool.Query(ctx,
			`SELECT uuid, kind, state, data_hash, dependencies, metadata FROM bundles WHERE state = $1`, string(filter.State))
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT uuid, kind, state, data_hash, dependencies, metadata FROM bundles`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bundle.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBundle(row pgx.Rows) (*bundle.Bundle, error) {
	var b bundle.Bundle
	var kind, state string
	var dataHash *string
	var depsJSON, metaJSON []byte

	if err := row.Scan(&b.UUID, &kind, &state, &dataHash, &depsJSON, &metaJSON); err != nil {
		return nil, err
	}
	b.Kind = bundle.Kind(kind)
	b.State = bundle.State(state)
	b.DataHash = dataHash
	if len(depsJSON) > 0 {
		if err := json.Unmarshal(depsJSON, &b.Dependencies); err != nil {
			return nil, err
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &b.Metadata); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

// BatchUpdateBundles applies update to every row in bundles inside a single
// transaction, conditioned on each row's current state matching condition.
// If any row's affected-count comes back zero, the whole transaction is
// rolled back and ErrConditionFailed is returned: the all-or-nothing
// contract the spec requires for the CREATED->STAGED and STAGED->RUNNING
// transitions.
func (s *PostgresStore) BatchUpdateBundles(ctx context.Context, bundles []*bundle.Bundle, update BundleUpdate, condition BundleCondition) error {
	if len(bundles) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	setClause, args, err := buildUpdateSet(update)
	if err != nil {
		return err
	}

	for _, b := range bundles {
		query := `UPDATE bundles SET ` + setClause + ` WHERE uuid = $` + placeholderN(len(args)+1) + ` AND state = $` + placeholderN(len(args)+2)
		callArgs := append(append([]interface{}{}, args...), b.UUID, string(condition.State))
		tag, err := tx.Exec(ctx, query, callArgs...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConditionFailed
		}
	}
	return tx.Commit(ctx)
}

// UpdateBundle applies update unconditionally; used only when the caller
// (the Finalizer) already owns exclusive rights to the row via its earlier
// STAGED->RUNNING claim.
func (s *PostgresStore) UpdateBundle(ctx context.Context, b *bundle.Bundle, update BundleUpdate) error {
	setClause, args, err := buildUpdateSet(update)
	if err != nil {
		return err
	}
	query := `UPDATE bundles SET ` + setClause + ` WHERE uuid = $` + placeholderN(len(args)+1)
	_, err = s.pool.Exec(ctx, query, append(append([]interface{}{}, args...), b.UUID)...)
	return err
}

func buildUpdateSet(update BundleUpdate) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	n := 1
	if update.SetState {
		clauses = append(clauses, "state = $"+placeholderN(n))
		args = append(args, string(update.State))
		n++
	}
	if update.SetDataHash {
		clauses = append(clauses, "data_hash = $"+placeholderN(n))
		args = append(args, update.DataHash)
		n++
	}
	if update.SetMetadata {
		data, err := json.Marshal(update.Metadata)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "metadata = $"+placeholderN(n))
		args = append(args, data)
		n++
	}
	joined := clauses[0]
	for _, c := range clauses[1:] {
		joined += ", " + c
	}
	return joined, args, nil
}

func placeholderN(n int) string {
	// Small helper so buildUpdateSet and its callers can compose
	// placeholder numbers without importing strconv at every call site.
	return itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (s *PostgresStore) PopBundleActions(ctx context.Context) ([]bundle.BundleAction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM bundle_actions RETURNING bundle_uuid, action`)
	if err != nil {
		return nil, err
	}
	var out []bundle.BundleAction
	for rows.Next() {
		var a bundle.BundleAction
		var action string
		if err := rows.Scan(&a.BundleUUID, &action); err != nil {
			rows.Close()
			return nil, err
		}
		a.Action = bundle.Action(action)
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (s *PostgresStore) AddBundleActions(ctx context.Context, actions []bundle.BundleAction) error {
	if len(actions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range actions {
		batch.Queue(`INSERT INTO bundle_actions (bundle_uuid, action) VALUES ($1, $2)`, a.BundleUUID, string(a.Action))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range actions {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

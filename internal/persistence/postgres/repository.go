package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/observability"
	"example.com/runtracker/internal/outbox"
)

const entityColumns = `entity_id::text, tenant_id, name, realm, region, last_seen_source, last_seen_value, last_seen_completed_at, last_checked_at, created_at`

// Option configures a Repository.
type Option func(*Repository)

// WithTopic overrides the topic stamped on queued notifications.
func WithTopic(topic string) Option {
	return func(r *Repository) {
		if topic != "" {
			r.topic = topic
		}
	}
}

// Repository provides Postgres-backed persistence for tracked entities, runs, bindings
// and the notification outbox.
type Repository struct {
	pool  *pgxpool.Pool
	topic string
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, topic: outbox.DefaultTopic}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// inTenant runs fn inside a transaction scoped to tenantID. An empty tenant leaves every
// row visible.
func (r *Repository) inTenant(ctx context.Context, tenantID string, fn func(pgx.Tx) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if tenantID != "" {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TrackEntity inserts the entity unless the tenant already tracks the same identity, in which
// case the stored entity is returned with created=false.
func (r *Repository) TrackEntity(ctx context.Context, entity domain.TrackedEntity) (domain.TrackedEntity, bool, error) {
	var (
		stored  domain.TrackedEntity
		created bool
	)
	err := r.inTenant(ctx, entity.TenantID, func(tx pgx.Tx) error {
		source, value, completedAt := markerColumns(entity.LastSeen)
		row := tx.QueryRow(ctx,
			`INSERT INTO tracked_entities (entity_id, tenant_id, name, realm, region, last_seen_source, last_seen_value, last_seen_completed_at, last_checked_at, created_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
             ON CONFLICT (tenant_id, name, realm, region) DO NOTHING
             RETURNING `+entityColumns,
			entity.ID,
			entity.TenantID,
			entity.Name,
			entity.Realm,
			entity.Region,
			source,
			value,
			completedAt,
			nullTime(entity.LastCheckedAt),
			entity.CreatedAt,
		)
		scanned, err := scanEntity(row)
		if err == nil {
			stored, created = scanned, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		row = tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM tracked_entities WHERE tenant_id=$1 AND name=$2 AND realm=$3 AND region=$4`,
			entity.TenantID, entity.Name, entity.Realm, entity.Region)
		stored, err = scanEntity(row)
		return err
	})
	if err != nil {
		return domain.TrackedEntity{}, false, err
	}
	return stored, created, nil
}

// UntrackEntity deletes the tenant's entity for identity along with its recorded runs.
func (r *Repository) UntrackEntity(ctx context.Context, tenantID string, identity domain.Identity) (bool, error) {
	var removed bool
	err := r.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM tracked_entities WHERE tenant_id=$1 AND name=$2 AND realm=$3 AND region=$4`,
			tenantID, identity.Name, identity.Realm, identity.Region)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		return nil
	})
	return removed, err
}

// ListEntities returns a tenant's entities, newest first.
func (r *Repository) ListEntities(ctx context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.TrackedEntity, *domain.Cursor, error) {
	args := []interface{}{tenantID, limit}
	query := `SELECT ` + entityColumns + ` FROM tracked_entities WHERE tenant_id=$1`

	if cursor != nil {
		if _, err := uuid.Parse(cursor.ID); err != nil {
			return nil, nil, fmt.Errorf("invalid cursor id: %w", err)
		}
		query += ` AND (created_at, entity_id) < ($3, $4::uuid)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, entity_id DESC LIMIT $2`

	results := make([]domain.TrackedEntity, 0, limit)
	err := r.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var err error
		results, err = queryEntities(ctx, tx, query, args...)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// ListAllEntities returns every tracked entity across tenants, least recently checked first.
func (r *Repository) ListAllEntities(ctx context.Context) ([]domain.TrackedEntity, error) {
	var results []domain.TrackedEntity
	err := r.inTenant(ctx, "", func(tx pgx.Tx) error {
		var err error
		results, err = queryEntities(ctx, tx,
			`SELECT `+entityColumns+` FROM tracked_entities ORDER BY last_checked_at ASC NULLS FIRST, created_at`)
		return err
	})
	return results, err
}

// GetEntity retrieves an entity by id, or nil when the tenant has no such entity.
func (r *Repository) GetEntity(ctx context.Context, tenantID, entityID string) (*domain.TrackedEntity, error) {
	if _, err := uuid.Parse(entityID); err != nil {
		return nil, nil
	}

	var entity *domain.TrackedEntity
	err := r.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM tracked_entities WHERE tenant_id=$1 AND entity_id=$2`,
			tenantID, entityID)
		scanned, err := scanEntity(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		entity = &scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// MarkChecked stamps last_checked_at without touching the marker.
func (r *Repository) MarkChecked(ctx context.Context, tenantID, entityID string, at time.Time) error {
	return r.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tracked_entities SET last_checked_at = $3 WHERE tenant_id=$1 AND entity_id=$2`,
			tenantID, entityID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrEntityNotFound
		}
		return nil
	})
}

// RecordActivity stores the run, advances the entity's marker and queues the notification in a
// single transaction. The boolean reports whether the run was new; a run that was already
// stored queues nothing.
func (r *Repository) RecordActivity(ctx context.Context, commit domain.ActivityCommit) (bool, error) {
	record := commit.Record
	if record.RecordedAt.IsZero() {
		record.RecordedAt = commit.CheckedAt
	}

	var inserted bool
	err := r.inTenant(ctx, record.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tracked_entities SET last_checked_at = $3 WHERE tenant_id=$1 AND entity_id=$2`,
			record.TenantID, record.EntityID, commit.CheckedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrEntityNotFound
		}

		tag, err = tx.Exec(ctx,
			`INSERT INTO activity_records (entity_id, id_source, id_value, tenant_id, activity_type, difficulty_level, completed_at, within_time_limit, duration_ms, par_time_ms, score, source_url, season, raw_detail, recorded_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
             ON CONFLICT (entity_id, id_source, id_value) DO NOTHING`,
			record.EntityID,
			string(record.ID.Source),
			record.ID.Value,
			record.TenantID,
			record.ActivityType,
			record.DifficultyLevel,
			record.CompletedAt,
			record.WithinTimeLimit,
			record.DurationMs,
			record.ParTimeMs,
			record.Score,
			nullIfEmpty(record.SourceURL),
			nullIfEmpty(record.Season),
			nullIfEmptyBytes(record.RawDetail),
			record.RecordedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() > 0

		// the marker only moves forward in completion time
		if _, err := tx.Exec(ctx,
			`UPDATE tracked_entities
                SET last_seen_source = $3, last_seen_value = $4, last_seen_completed_at = $5
              WHERE tenant_id=$1 AND entity_id=$2
                AND (last_seen_completed_at IS NULL OR last_seen_completed_at < $5)`,
			record.TenantID, record.EntityID, string(record.ID.Source), record.ID.Value, record.CompletedAt,
		); err != nil {
			return err
		}

		if !inserted || commit.Notification == nil {
			return nil
		}
		return r.insertOutbox(ctx, tx, commit)
	})
	if err != nil {
		return false, err
	}
	observability.RecordRunPersisted(record.RecordedAt)
	return inserted, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, commit domain.ActivityCommit) error {
	msg, err := outbox.NewMessage(commit, r.topic)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (tenant_id, destination_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		msg.TenantID,
		msg.DestinationID,
		msg.AggregateType,
		msg.AggregateID,
		msg.EventType,
		msg.Topic,
		msg.SchemaSubject,
		msg.PartitionKey,
		msg.Payload,
		nullIfEmpty(msg.DedupeKey),
	)
	return err
}

// SetDestination replaces the tenant's binding.
func (r *Repository) SetDestination(ctx context.Context, binding domain.TenantChannelBinding) (domain.TenantChannelBinding, error) {
	stored := binding
	err := r.inTenant(ctx, binding.TenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO tenant_bindings (tenant_id, destination_id, created_at, updated_at)
             VALUES ($1,$2,$3,$4)
             ON CONFLICT (tenant_id) DO UPDATE SET destination_id = EXCLUDED.destination_id, updated_at = EXCLUDED.updated_at
             RETURNING created_at, updated_at`,
			binding.TenantID, binding.DestinationID, binding.CreatedAt, binding.UpdatedAt)
		return row.Scan(&stored.CreatedAt, &stored.UpdatedAt)
	})
	if err != nil {
		return domain.TenantChannelBinding{}, err
	}
	return stored, nil
}

// GetDestination returns the tenant's binding, or nil when none is configured.
func (r *Repository) GetDestination(ctx context.Context, tenantID string) (*domain.TenantChannelBinding, error) {
	var binding *domain.TenantChannelBinding
	err := r.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var b domain.TenantChannelBinding
		row := tx.QueryRow(ctx,
			`SELECT tenant_id, destination_id, created_at, updated_at FROM tenant_bindings WHERE tenant_id=$1`, tenantID)
		if err := row.Scan(&b.TenantID, &b.DestinationID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		binding = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return binding, nil
}

func queryEntities(ctx context.Context, tx pgx.Tx, query string, args ...interface{}) ([]domain.TrackedEntity, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.TrackedEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func scanEntity(row pgx.Row) (domain.TrackedEntity, error) {
	var (
		entity          domain.TrackedEntity
		source, value   *string
		seenAt, checked *time.Time
	)
	if err := row.Scan(&entity.ID, &entity.TenantID, &entity.Name, &entity.Realm, &entity.Region, &source, &value, &seenAt, &checked, &entity.CreatedAt); err != nil {
		return domain.TrackedEntity{}, err
	}
	if source != nil && value != nil {
		entity.LastSeen.ID = domain.ActivityID{Source: domain.IDSource(*source), Value: *value}
	}
	if seenAt != nil {
		entity.LastSeen.CompletedAt = seenAt.UTC()
	}
	if checked != nil {
		entity.LastCheckedAt = checked.UTC()
	}
	entity.CreatedAt = entity.CreatedAt.UTC()
	return entity, nil
}

func markerColumns(m domain.Marker) (source, value, completedAt interface{}) {
	if !m.ID.IsZero() {
		source, value = string(m.ID.Source), m.ID.Value
	}
	return source, value, nullTime(m.CompletedAt)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfEmptyBytes(value []byte) interface{} {
	if len(value) == 0 {
		return nil
	}
	return value
}

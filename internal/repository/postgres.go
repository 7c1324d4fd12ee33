// Package repository provides PostgreSQL-backed persistence for flag and
// cohort definitions, plus LISTEN/NOTIFY-based change signalling so multiple
// server instances converge without polling.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flipgate/flipgate/internal/core"
)

const defaultNotifyChannel = "flipgate_changes"

// Change kinds written to the change log and carried in NOTIFY payloads.
const (
	ChangeFlagSaved     = "flag_saved"
	ChangeFlagDeleted   = "flag_deleted"
	ChangeCohortSaved   = "cohort_saved"
	ChangeCohortDeleted = "cohort_deleted"
)

// storedCohort is the jsonb shape for a cohort row. Members are persisted as
// a list; core.Cohort keeps them as a set and hides them from API JSON.
type storedCohort struct {
	Description string      `json:"description,omitempty"`
	Members     []string    `json:"members,omitempty"`
	Rules       []core.Rule `json:"rules,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Store implements flag and cohort persistence backed by a pgxpool
// connection pool.
type Store struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewStore creates a Store using the default notification channel.
func NewStore(pool *pgxpool.Pool) *Store {
	return NewStoreWithChannel(pool, defaultNotifyChannel)
}

// NewStoreWithChannel creates a Store using the specified LISTEN/NOTIFY
// channel name.
func NewStoreWithChannel(pool *pgxpool.Pool, notifyChannel string) *Store {
	return &Store{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// SaveFlag upserts a flag definition and notifies listeners in one
// transaction.
func (s *Store) SaveFlag(ctx context.Context, flag core.Flag) error {
	definition, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal flag %q: %w", flag.Name, err)
	}

	return s.saveAndNotify(ctx, `
		INSERT INTO flags (name, definition, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = NOW()
	`, flag.Name, definition, ChangeFlagSaved)
}

// LoadFlags returns all persisted flag definitions keyed by name.
func (s *Store) LoadFlags(ctx context.Context) (map[string]core.Flag, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, definition FROM flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]core.Flag)
	for rows.Next() {
		var name string
		var definition []byte
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		var flag core.Flag
		if err := json.Unmarshal(definition, &flag); err != nil {
			return nil, fmt.Errorf("decode flag %q: %w", name, err)
		}
		flag.Name = name
		flags[name] = flag
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag definition. Returns pgx.ErrNoRows (wrapped) if
// the flag does not exist.
func (s *Store) DeleteFlag(ctx context.Context, name string) error {
	return s.deleteAndNotify(ctx, `DELETE FROM flags WHERE name = $1`, name, ChangeFlagDeleted, "delete flag")
}

// SaveCohort upserts a cohort definition and notifies listeners.
func (s *Store) SaveCohort(ctx context.Context, cohort core.Cohort) error {
	stored := storedCohort{
		Description: cohort.Description,
		Members:     make([]string, 0, len(cohort.Members)),
		Rules:       cohort.Rules,
		CreatedAt:   cohort.CreatedAt,
		UpdatedAt:   cohort.UpdatedAt,
	}
	for member := range cohort.Members {
		stored.Members = append(stored.Members, member)
	}

	definition, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal cohort %q: %w", cohort.Name, err)
	}

	return s.saveAndNotify(ctx, `
		INSERT INTO cohorts (name, definition, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = NOW()
	`, cohort.Name, definition, ChangeCohortSaved)
}

// LoadCohorts returns all persisted cohorts keyed by name.
func (s *Store) LoadCohorts(ctx context.Context) (map[string]core.Cohort, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, definition FROM cohorts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load cohorts: %w", err)
	}
	defer rows.Close()

	cohorts := make(map[string]core.Cohort)
	for rows.Next() {
		var name string
		var definition []byte
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}

		var stored storedCohort
		if err := json.Unmarshal(definition, &stored); err != nil {
			return nil, fmt.Errorf("decode cohort %q: %w", name, err)
		}

		cohort := core.Cohort{
			Name:        name,
			Description: stored.Description,
			Members:     make(map[string]struct{}, len(stored.Members)),
			Rules:       stored.Rules,
			CreatedAt:   stored.CreatedAt,
			UpdatedAt:   stored.UpdatedAt,
		}
		for _, member := range stored.Members {
			cohort.Members[member] = struct{}{}
		}
		cohorts[name] = cohort
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load cohorts rows: %w", err)
	}

	return cohorts, nil
}

// DeleteCohort removes a cohort definition. Returns pgx.ErrNoRows (wrapped)
// if the cohort does not exist.
func (s *Store) DeleteCohort(ctx context.Context, name string) error {
	return s.deleteAndNotify(ctx, `DELETE FROM cohorts WHERE name = $1`, name, ChangeCohortDeleted, "delete cohort")
}

func (s *Store) saveAndNotify(ctx context.Context, query, name string, definition []byte, changeKind string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, query, name, definition); err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}

	if err := s.notifyTx(ctx, tx, changeKind, name); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (s *Store) deleteAndNotify(ctx context.Context, query, name, changeKind, op string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	if err := s.notifyTx(ctx, tx, changeKind, name); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *Store) notifyTx(ctx context.Context, tx pgx.Tx, changeKind, name string) error {
	payload, err := json.Marshal(struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
	}{Kind: changeKind, Name: name})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", changeKind, err)
	}
	return nil
}

// SubscribeChanges returns a channel that receives a signal whenever a flag
// or cohort change notification arrives. The channel is closed when ctx is
// cancelled or the listener gives up.
func (s *Store) SubscribeChanges(ctx context.Context) (<-chan struct{}, error) {
	changes := make(chan struct{}, 1)

	go s.runChangeListener(ctx, changes)

	return changes, nil
}

func (s *Store) runChangeListener(ctx context.Context, changes chan<- struct{}) {
	defer close(changes)

	for {
		err := s.listenForChanges(ctx, changes)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (s *Store) listenForChanges(ctx context.Context, changes chan<- struct{}) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(s.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", s.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for change notification: %w", err)
		}

		select {
		case changes <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

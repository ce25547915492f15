// Package postgres implements the orchestrator store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/metrics"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// Store hands out transactional sessions over a shared connection pool.
type Store struct {
	db  *sqlx.DB
	log *logrus.Entry

	// now is swappable for tests.
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.WithField("component", "storage")
	}
	return &Store{
		db:  sqlx.NewDb(db, "postgres"),
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

var _ storage.Store = (*Store)(nil)
var _ storage.Session = (*session)(nil)

// WithSession runs fn in a transaction and materializes trace rows for every
// dirty entity immediately before commit. Any error rolls everything back,
// trace rows included.
func (s *Store) WithSession(ctx context.Context, fn func(storage.Session) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	sess := &session{tx: tx, now: s.now}
	if err := fn(sess); err != nil {
		s.rollback(tx)
		return err
	}
	if err := sess.writeTraces(ctx); err != nil {
		s.rollback(tx)
		return err
	}
	if err := tx.Commit(); err != nil {
		metrics.DBRollbacks.Inc()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) rollback(tx *sqlx.Tx) {
	metrics.DBRollbacks.Inc()
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		s.log.WithError(err).Warn("rollback failed")
	}
}

// session is one transaction's view. It tracks the entities touched so the
// commit hook can append trace rows for real state changes only.
type session struct {
	tx  *sqlx.Tx
	now func() time.Time

	dirtyModules    []*modbuild.ModuleBuild
	dirtyComponents []*modbuild.ComponentBuild
}

func (s *session) markModule(m *modbuild.ModuleBuild) {
	for _, d := range s.dirtyModules {
		if d == m {
			return
		}
	}
	s.dirtyModules = append(s.dirtyModules, m)
}

func (s *session) markComponent(c *modbuild.ComponentBuild) {
	for _, d := range s.dirtyComponents {
		if d == c {
			return
		}
	}
	s.dirtyComponents = append(s.dirtyComponents, c)
}

// writeTraces is the pre-commit pass: one trace row per dirty entity whose
// (state, state_reason) differs from its last trace row.
func (s *session) writeTraces(ctx context.Context) error {
	now := s.now()

	for _, m := range s.dirtyModules {
		var last struct {
			State       modbuild.State `db:"state"`
			StateReason string         `db:"state_reason"`
		}
		err := s.tx.GetContext(ctx, &last,
			`SELECT state, state_reason FROM module_builds_trace
			 WHERE module_id = $1 ORDER BY id DESC LIMIT 1`, m.ID)
		if err == nil && last.State == m.State && last.StateReason == m.StateReason {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load last module trace: %w", err)
		}
		_, err = s.tx.ExecContext(ctx,
			`INSERT INTO module_builds_trace (module_id, state_time, state, state_reason)
			 VALUES ($1, $2, $3, $4)`, m.ID, now, int(m.State), m.StateReason)
		if err != nil {
			return fmt.Errorf("insert module trace: %w", err)
		}
	}

	for _, c := range s.dirtyComponents {
		var last struct {
			State       sql.NullInt64 `db:"state"`
			StateReason string        `db:"state_reason"`
		}
		err := s.tx.GetContext(ctx, &last,
			`SELECT state, state_reason FROM component_builds_trace
			 WHERE component_id = $1 ORDER BY id DESC LIMIT 1`, c.ID)
		if err == nil && nullStateEqual(last.State, c.State) && last.StateReason == c.StateReason {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load last component trace: %w", err)
		}
		_, err = s.tx.ExecContext(ctx,
			`INSERT INTO component_builds_trace (component_id, state_time, state, state_reason, task_id)
			 VALUES ($1, $2, $3, $4, $5)`, c.ID, now, stateToNull(c.State), c.StateReason, c.TaskID)
		if err != nil {
			return fmt.Errorf("insert component trace: %w", err)
		}
	}
	return nil
}

func nullStateEqual(last sql.NullInt64, state *modbuild.BuildState) bool {
	if !last.Valid {
		return state == nil
	}
	return state != nil && int64(*state) == last.Int64
}

func stateToNull(state *modbuild.BuildState) sql.NullInt64 {
	if state == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*state), Valid: true}
}

package state

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// Store defines the persistence interface for module-state snapshots and
// recovery audit rows. Implementations must be safe for concurrent use.
// Session history is deliberately not persisted.
type Store interface {
	SaveState(ctx context.Context, s *models.ModuleState) error
	ListStates(ctx context.Context) ([]*models.ModuleState, error)
	SaveRecoveryResult(ctx context.Context, id models.ModuleID, executionID string, r *models.RecoveryPhaseResult) error
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// PgStore implements Store using PostgreSQL via pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed state store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const stateCols = `module_id, layer, status, build_status, test_status,
	dependency_health, health_score, error_count, warning_count,
	last_build_time, last_test_run, notes, last_modified, modified_by`

// SaveState upserts the latest snapshot for a module.
func (s *PgStore) SaveState(ctx context.Context, st *models.ModuleState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO module_states (`+stateCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (module_id) DO UPDATE SET
			layer=$2, status=$3, build_status=$4, test_status=$5,
			dependency_health=$6, health_score=$7, error_count=$8,
			warning_count=$9, last_build_time=$10, last_test_run=$11,
			notes=$12, last_modified=$13, modified_by=$14`,
		string(st.ModuleID), st.Layer, string(st.Status), string(st.BuildStatus),
		string(st.TestStatus), string(st.DependencyHealth), st.HealthScore,
		st.ErrorCount, st.WarningCount, st.LastBuildTime, st.LastTestRun,
		st.Notes, st.LastModified, st.ModifiedBy)
	if err != nil {
		return fmt.Errorf("pgstore: save state: %w", err)
	}
	return nil
}

// ListStates returns the latest snapshot for every module.
func (s *PgStore) ListStates(ctx context.Context) ([]*models.ModuleState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stateCols+` FROM module_states ORDER BY layer, module_id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list states: %w", err)
	}
	defer rows.Close()

	var states []*models.ModuleState
	for rows.Next() {
		st, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// SaveRecoveryResult appends one recovery step result to the audit trail.
func (s *PgStore) SaveRecoveryResult(ctx context.Context, id models.ModuleID, executionID string, r *models.RecoveryPhaseResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_audit
			(module_id, execution_id, phase_id, phase_name, status,
			 started_at, completed_at, tasks_executed, tasks_successful,
			 tasks_failed, health_improvement, errors_resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		string(id), executionID, r.PhaseID, r.PhaseName, string(r.Status),
		r.StartTime, r.EndTime, r.TasksExecuted, r.TasksSuccessful,
		r.TasksFailed, r.HealthImprovement, r.ErrorsResolved)
	if err != nil {
		return fmt.Errorf("pgstore: save recovery result: %w", err)
	}
	return nil
}

func scanState(sc scannable) (*models.ModuleState, error) {
	var st models.ModuleState
	var moduleID, status, buildStatus, testStatus, depHealth string
	err := sc.Scan(
		&moduleID, &st.Layer, &status, &buildStatus, &testStatus,
		&depHealth, &st.HealthScore, &st.ErrorCount, &st.WarningCount,
		&st.LastBuildTime, &st.LastTestRun, &st.Notes,
		&st.LastModified, &st.ModifiedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("pgstore: state not found")
		}
		return nil, fmt.Errorf("pgstore: scan state: %w", err)
	}
	st.ModuleID = models.ModuleID(moduleID)
	st.Status = models.ModuleStatus(status)
	st.BuildStatus = models.BuildStatus(buildStatus)
	st.TestStatus = models.TestStatus(testStatus)
	st.DependencyHealth = models.DependencyHealth(depHealth)
	return &st, nil
}

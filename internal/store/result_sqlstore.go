package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/haatos/simple-lava/internal/action"
)

type ResultSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewResultSQLStore(rdb, rwdb *sql.DB) *ResultSQLStore {
	return &ResultSQLStore{rdb, rwdb}
}

type resultRow struct {
	ResultID    string
	JobID       string
	Definition  string
	CaseName    string
	Result      string
	Level       string
	Namespace   string
	UUID        string `db:"uuid"`
	Measurement *float64
	Units       string
	TestSet     string
	Duration    string
	Repository  string
	Path        string
	Revision    string
	CommitID    string
	Reference   string
	CreatedOn   time.Time
	Seq         int
}

func (store *ResultSQLStore) CreateResult(ctx context.Context, jobID string, r action.Result) error {
	query := `insert into results (
		result_id,
		job_id,
		definition,
		case_name,
		result,
		level,
		namespace,
		uuid,
		measurement,
		units,
		test_set,
		duration,
		repository,
		path,
		revision,
		commit_id,
		reference,
		created_on,
		seq
	)
	values (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		(select count(*) from results where job_id = $2)
	)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		uuid.NewString(),
		jobID,
		r.Definition,
		r.Case,
		r.Result,
		r.Level,
		r.Namespace,
		r.UUID,
		r.Measurement,
		r.Units,
		r.Set,
		r.Duration,
		r.Repository,
		r.Path,
		r.Revision,
		r.CommitID,
		r.Reference,
		time.Now().UTC(),
	)
	return err
}

// ListJobResults returns the results of a job in the order they were
// recorded.
func (store *ResultSQLStore) ListJobResults(ctx context.Context, jobID string) ([]action.Result, error) {
	query := `select * from results
	where job_id = $1
	order by seq`
	var rows []resultRow
	if err := sqlscan.Select(ctx, store.rdb, &rows, query, jobID); err != nil {
		return nil, err
	}
	results := make([]action.Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, action.Result{
			Definition:  row.Definition,
			Case:        row.CaseName,
			Result:      row.Result,
			Level:       row.Level,
			Namespace:   row.Namespace,
			UUID:        row.UUID,
			Measurement: row.Measurement,
			Units:       row.Units,
			Set:         row.TestSet,
			Duration:    row.Duration,
			Repository:  row.Repository,
			Path:        row.Path,
			Revision:    row.Revision,
			CommitID:    row.CommitID,
			Reference:   row.Reference,
		})
	}
	return results, nil
}

package processor

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"testpilotworker/src/model"
)

// Recovery must cover every state a crashed worker can strand a row in:
// stale RUNNING and claimed PENDING rows fail with ERROR, stale ANALYZING
// rows resolve back to FAILED.
func TestRecoverStaleCoversStrandedStates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(model.StatusAnalyzing, model.StatusFailed, model.StatusError,
			model.StatusRunning, model.StatusPending, float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := NewPostgresStore(db).RecoverStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("recovered %d rows, want 3", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

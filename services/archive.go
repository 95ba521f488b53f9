package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/cloakpoll/cloakpoll/protocol"
)

// Archive persists decryption-request audit rows and revealed results.
// The ledger remains the source of truth while a request is in flight; the
// archive is a durable record queryable after restarts.
type Archive interface {
	SaveSurvey(survey *protocol.Survey) error
	SaveRequest(view protocol.StatusView) error
	SaveResult(surveyID protocol.SurveyID, questionIndex uint32, result protocol.QuestionResult) error
	LoadRequests(surveyID protocol.SurveyID) ([]protocol.StatusView, error)
}

// PostgresArchive implements Archive with PostgreSQL persistence.
type PostgresArchive struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresArchive creates a new PostgreSQL-backed archive.
func NewPostgresArchive(config *PostgresConfig) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	archive := &PostgresArchive{db: db}
	if err := archive.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return archive, nil
}

func (a *PostgresArchive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS surveys (
		survey_id UUID PRIMARY KEY,
		creator VARCHAR(128) NOT NULL,
		questions JSONB NOT NULL,
		starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
		ends_at TIMESTAMP WITH TIME ZONE NOT NULL,
		active BOOLEAN NOT NULL,
		results_published BOOLEAN NOT NULL,
		response_count INT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS decryption_requests (
		request_id VARCHAR(128) PRIMARY KEY,
		survey_id UUID NOT NULL,
		question_index INT NOT NULL,
		submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		state SMALLINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_requests_survey ON decryption_requests(survey_id);

	CREATE TABLE IF NOT EXISTS question_results (
		survey_id UUID NOT NULL,
		question_index INT NOT NULL,
		average BIGINT NOT NULL,
		response_count INT NOT NULL,
		decided_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (survey_id, question_index)
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// SaveSurvey upserts the current survey record.
func (a *PostgresArchive) SaveSurvey(survey *protocol.Survey) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	questions, err := json.Marshal(survey.Questions)
	if err != nil {
		return fmt.Errorf("encoding questions: %w", err)
	}

	query := `
	INSERT INTO surveys
		(survey_id, creator, questions, starts_at, ends_at, active, results_published, response_count, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (survey_id) DO UPDATE SET
		active = EXCLUDED.active,
		results_published = EXCLUDED.results_published,
		response_count = EXCLUDED.response_count,
		updated_at = NOW()
	`

	_, err = a.db.ExecContext(ctx, query,
		survey.ID,
		survey.Creator.String(),
		questions,
		survey.StartsAt,
		survey.EndsAt,
		survey.Active,
		survey.ResultsPublished,
		survey.ResponseCount,
	)
	return err
}

// SaveRequest upserts the audit row for a decryption request.
func (a *PostgresArchive) SaveRequest(view protocol.StatusView) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO decryption_requests
		(request_id, survey_id, question_index, submitted_at, state, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (request_id) DO UPDATE SET
		state = EXCLUDED.state,
		updated_at = NOW()
	`

	_, err := a.db.ExecContext(ctx, query,
		string(view.RequestID),
		view.SurveyID,
		view.QuestionIndex,
		view.SubmittedAt,
		uint8(view.State),
	)
	return err
}

// SaveResult upserts a revealed question aggregate. A later decryption cycle
// for the same question overwrites.
func (a *PostgresArchive) SaveResult(surveyID protocol.SurveyID, questionIndex uint32, result protocol.QuestionResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO question_results
		(survey_id, question_index, average, response_count, decided_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (survey_id, question_index) DO UPDATE SET
		average = EXCLUDED.average,
		response_count = EXCLUDED.response_count,
		decided_at = EXCLUDED.decided_at
	`

	_, err := a.db.ExecContext(ctx, query,
		surveyID,
		questionIndex,
		int64(result.Average),
		result.Count,
		result.DecidedAt,
	)
	return err
}

// LoadRequests returns all archived request rows for a survey.
func (a *PostgresArchive) LoadRequests(surveyID protocol.SurveyID) ([]protocol.StatusView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := a.db.QueryContext(ctx, `
		SELECT request_id, survey_id, question_index, submitted_at, state
		FROM decryption_requests
		WHERE survey_id = $1
		ORDER BY submitted_at
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var views []protocol.StatusView
	for rows.Next() {
		var (
			view  protocol.StatusView
			id    string
			state uint8
		)
		if err := rows.Scan(&id, &view.SurveyID, &view.QuestionIndex, &view.SubmittedAt, &state); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		view.RequestID = protocol.RequestID(id)
		view.State = protocol.RequestState(state)
		views = append(views, view)
	}
	return views, rows.Err()
}

// Close closes the database connection.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}

// InMemoryArchive implements Archive in process memory, for tests and
// single-node deployments without Postgres.
type InMemoryArchive struct {
	mu       sync.RWMutex
	surveys  map[protocol.SurveyID]protocol.Survey
	requests map[protocol.RequestID]protocol.StatusView
	results  map[protocol.SurveyID]map[uint32]protocol.QuestionResult
}

// NewInMemoryArchive creates an empty in-memory archive.
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{
		surveys:  make(map[protocol.SurveyID]protocol.Survey),
		requests: make(map[protocol.RequestID]protocol.StatusView),
		results:  make(map[protocol.SurveyID]map[uint32]protocol.QuestionResult),
	}
}

// SaveSurvey stores the latest survey record.
func (a *InMemoryArchive) SaveSurvey(survey *protocol.Survey) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.surveys[survey.ID] = *survey
	return nil
}

// SaveRequest stores the latest view of a request.
func (a *InMemoryArchive) SaveRequest(view protocol.StatusView) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests[view.RequestID] = view
	return nil
}

// SaveResult stores a revealed aggregate.
func (a *InMemoryArchive) SaveResult(surveyID protocol.SurveyID, questionIndex uint32, result protocol.QuestionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.results[surveyID] == nil {
		a.results[surveyID] = make(map[uint32]protocol.QuestionResult)
	}
	a.results[surveyID][questionIndex] = result
	return nil
}

// LoadRequests returns archived request rows for a survey.
func (a *InMemoryArchive) LoadRequests(surveyID protocol.SurveyID) ([]protocol.StatusView, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var views []protocol.StatusView
	for _, view := range a.requests {
		if view.SurveyID == surveyID {
			views = append(views, view)
		}
	}
	return views, nil
}

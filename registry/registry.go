// Package registry owns survey metadata, lifecycle flags, and the encrypted
// respondent values. The aggregation core consumes it through the
// protocol.SurveyStore interface; everything here is plain validated state.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// Registry is an in-memory survey registry. Respondent ciphertexts live in a
// flat append-only arena per survey, indexed by question, so value storage
// stays explicitly bounded rather than growing nested containers.
type Registry struct {
	cfg   *protocol.Config
	owner crypto.PublicKey
	now   func() time.Time
	log   *slog.Logger

	mu      sync.RWMutex
	surveys map[protocol.SurveyID]*surveyRecord
}

type surveyRecord struct {
	survey      protocol.Survey
	respondents map[string]bool

	// arena is the flat ciphertext store; slots maps a question index to
	// arena positions.
	arena []crypto.CipherHandle
	slots map[uint32][]int

	results map[uint32]protocol.QuestionResult
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates a registry. The owner key is authorized for manual refunds and
// lifecycle operations on every survey.
func New(cfg *protocol.Config, owner crypto.PublicKey, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if len(owner) == 0 {
		return nil, errors.New("owner key cannot be empty")
	}

	r := &Registry{
		cfg:     cfg,
		owner:   owner,
		now:     time.Now,
		log:     slog.Default(),
		surveys: make(map[protocol.SurveyID]*surveyRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateSurvey registers a new survey owned by creator, active immediately
// for the [startsAt, endsAt) window.
func (r *Registry) CreateSurvey(creator crypto.PublicKey, questions []protocol.Question, startsAt, endsAt time.Time) (*protocol.Survey, error) {
	if len(creator) == 0 {
		return nil, errors.New("creator key cannot be empty")
	}
	if len(questions) == 0 {
		return nil, errors.New("survey needs at least one question")
	}
	if len(questions) > r.cfg.MaxQuestions {
		return nil, fmt.Errorf("too many questions: %d, max %d", len(questions), r.cfg.MaxQuestions)
	}
	if !endsAt.After(startsAt) {
		return nil, errors.New("survey window is empty")
	}

	survey := protocol.Survey{
		ID:        uuid.New(),
		Creator:   creator,
		Questions: questions,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		Active:    true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.surveys[survey.ID] = &surveyRecord{
		survey:      survey,
		respondents: make(map[string]bool),
		slots:       make(map[uint32][]int),
		results:     make(map[uint32]protocol.QuestionResult),
	}

	r.log.Info("survey created", "surveyID", survey.ID, "questions", len(questions), "creator", creator.String())
	return &survey, nil
}

// SubmitResponse appends one encrypted rating per question for a respondent.
// Values may only be appended while the survey is active and inside its
// window; a respondent submits at most once.
func (r *Registry) SubmitResponse(surveyID protocol.SurveyID, respondent crypto.PublicKey, values []crypto.CipherHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return protocol.ErrSurveyNotFound
	}
	if !rec.survey.Active {
		return protocol.ErrSurveyClosed
	}

	now := r.now()
	if now.Before(rec.survey.StartsAt) || !now.Before(rec.survey.EndsAt) {
		return protocol.ErrOutsideWindow
	}
	if len(values) != len(rec.survey.Questions) {
		return fmt.Errorf("expected %d values, got %d", len(rec.survey.Questions), len(values))
	}
	if rec.respondents[respondent.String()] {
		return protocol.ErrDuplicateResponse
	}
	if int(rec.survey.ResponseCount) >= r.cfg.MaxResponses {
		return fmt.Errorf("survey is full: %d responses", rec.survey.ResponseCount)
	}

	for i, v := range values {
		rec.arena = append(rec.arena, v)
		q := uint32(i)
		rec.slots[q] = append(rec.slots[q], len(rec.arena)-1)
	}
	rec.respondents[respondent.String()] = true
	rec.survey.ResponseCount++
	return nil
}

// CloseSurvey stops a survey from accepting responses. Only the creator or
// the system owner may close it.
func (r *Registry) CloseSurvey(surveyID protocol.SurveyID, caller crypto.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return protocol.ErrSurveyNotFound
	}
	if !r.authorizedLocked(rec, caller) {
		return protocol.ErrUnauthorized
	}
	if !rec.survey.Active {
		return protocol.ErrSurveyClosed
	}

	rec.survey.Active = false
	r.log.Info("survey closed", "surveyID", surveyID, "responses", rec.survey.ResponseCount)
	return nil
}

// PublishResults flips resultsPublished once a closed survey has responses.
// The transition happens at most once per survey.
func (r *Registry) PublishResults(surveyID protocol.SurveyID, caller crypto.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return protocol.ErrSurveyNotFound
	}
	if !r.authorizedLocked(rec, caller) {
		return protocol.ErrUnauthorized
	}
	if rec.survey.Active {
		return protocol.ErrSurveyActive
	}
	if rec.survey.ResponseCount == 0 {
		return protocol.ErrNoResponses
	}
	if rec.survey.ResultsPublished {
		return protocol.ErrAlreadyPublished
	}

	rec.survey.ResultsPublished = true
	r.log.Info("survey results published", "surveyID", surveyID)
	return nil
}

// GetSurvey returns a copy of the survey record.
func (r *Registry) GetSurvey(surveyID protocol.SurveyID) (*protocol.Survey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return nil, protocol.ErrSurveyNotFound
	}
	survey := rec.survey
	return &survey, nil
}

// GetResult returns the revealed aggregate for a question, if any.
func (r *Registry) GetResult(surveyID protocol.SurveyID, questionIndex uint32) (protocol.QuestionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return protocol.QuestionResult{}, protocol.ErrSurveyNotFound
	}
	result, ok := rec.results[questionIndex]
	if !ok {
		return protocol.QuestionResult{}, protocol.ErrRequestNotFound
	}
	return result, nil
}

// GetQuestionValues returns all encrypted respondent values for one question.
func (r *Registry) GetQuestionValues(surveyID protocol.SurveyID, questionIndex uint32) ([]crypto.CipherHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return nil, protocol.ErrSurveyNotFound
	}
	if int(questionIndex) >= len(rec.survey.Questions) {
		return nil, protocol.ErrQuestionNotFound
	}

	indices := rec.slots[questionIndex]
	values := make([]crypto.CipherHandle, 0, len(indices))
	for _, i := range indices {
		values = append(values, rec.arena[i])
	}
	return values, nil
}

// IsActive reports whether the survey still accepts responses.
func (r *Registry) IsActive(surveyID protocol.SurveyID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return false, protocol.ErrSurveyNotFound
	}
	return rec.survey.Active, nil
}

// IsPublished reports whether the survey's results are published.
func (r *Registry) IsPublished(surveyID protocol.SurveyID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return false, protocol.ErrSurveyNotFound
	}
	return rec.survey.ResultsPublished, nil
}

// QuestionCount returns the number of questions in the survey.
func (r *Registry) QuestionCount(surveyID protocol.SurveyID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return 0, protocol.ErrSurveyNotFound
	}
	return len(rec.survey.Questions), nil
}

// RecordResult stores the revealed aggregate for a question. Only the
// aggregation engine writes here, on successful callback completion; a new
// decryption cycle for the same question overwrites.
func (r *Registry) RecordResult(surveyID protocol.SurveyID, questionIndex uint32, result protocol.QuestionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return protocol.ErrSurveyNotFound
	}
	if int(questionIndex) >= len(rec.survey.Questions) {
		return protocol.ErrQuestionNotFound
	}

	rec.results[questionIndex] = result
	return nil
}

// IsAuthorizedRefunder reports whether caller may manually refund the
// survey's pending decryption request: the survey creator or the system
// owner.
func (r *Registry) IsAuthorizedRefunder(surveyID protocol.SurveyID, caller crypto.PublicKey) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.surveys[surveyID]
	if !ok {
		return false, protocol.ErrSurveyNotFound
	}
	return r.authorizedLocked(rec, caller), nil
}

func (r *Registry) authorizedLocked(rec *surveyRecord, caller crypto.PublicKey) bool {
	return caller.Equal(rec.survey.Creator) || caller.Equal(r.owner)
}

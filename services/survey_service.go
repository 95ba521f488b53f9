package services

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloakpoll/cloakpoll/aggregation"
	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/ledger"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/registry"
)

// Service wires the survey registry, the decryption-request ledger, and the
// aggregation engine to the public HTTP surface.
type Service struct {
	cfg      *ServiceConfig
	log      *slog.Logger
	registry *registry.Registry
	engine   *aggregation.Engine
	ledger   *ledger.Ledger
	archive  Archive
}

// NewService creates the HTTP service.
func NewService(cfg *ServiceConfig, reg *registry.Registry, engine *aggregation.Engine,
	ldg *ledger.Ledger, archive Archive, log *slog.Logger) (*Service, error) {

	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("jwt secret cannot be empty")
	}
	if reg == nil || engine == nil || ldg == nil {
		return nil, errors.New("registry, engine and ledger are required")
	}
	if archive == nil {
		archive = NewInMemoryArchive()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	return &Service{
		cfg:      cfg,
		log:      log,
		registry: reg,
		engine:   engine,
		ledger:   ldg,
		archive:  archive,
	}, nil
}

// RegisterRoutes registers the public API with the router.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Post("/token", s.handleToken)

	r.Route("/surveys", func(r chi.Router) {
		r.With(s.requireAuth).Post("/", s.handleCreateSurvey)
		r.Get("/{survey_id}", s.handleGetSurvey)
		r.Post("/{survey_id}/responses", s.handleSubmitResponse)
		r.With(s.requireAuth).Post("/{survey_id}/close", s.handleCloseSurvey)
		r.With(s.requireAuth).Post("/{survey_id}/publish", s.handlePublishResults)
		r.Post("/{survey_id}/questions/{question}/decrypt", s.handleRequestDecryption)
		r.Get("/{survey_id}/questions/{question}/result", s.handleGetResult)
	})

	r.Route("/requests", func(r chi.Router) {
		r.Get("/{request_id}", s.handleRequestStatus)
		r.Get("/{request_id}/refundable", s.handleRefundable)
		r.Post("/{request_id}/refund", s.handleTimeoutRefund)
		r.With(s.requireAuth).Post("/{request_id}/refund/manual", s.handleManualRefund)
	})

	r.Post("/callback", s.handleCallback)
}

// handleToken issues a bearer token to a caller proving possession of their
// key by signing the key bytes themselves.
func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pubKey, err := crypto.NewPublicKeyFromString(req.PublicKey)
	if err != nil {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	sigBytes, err := hex.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "invalid signature hex", http.StatusBadRequest)
		return
	}
	if !crypto.NewSignature(sigBytes).Verify(pubKey, TokenProofMessage(pubKey)) {
		http.Error(w, "signature does not prove key possession", http.StatusForbidden)
		return
	}

	token, err := s.SignToken(pubKey, s.cfg.TokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, &TokenResponse{Token: token})
}

// TokenProofMessage is the byte string a caller signs to obtain a token.
func TokenProofMessage(pubKey crypto.PublicKey) []byte {
	return append([]byte("cloakpoll-token-v1"), pubKey...)
}

func (s *Service) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req CreateSurveyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	survey, err := s.registry.CreateSurvey(caller, req.Questions, req.StartsAt, req.EndsAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.archiveSurvey(survey.ID)
	s.writeJSON(w, &SurveyResponse{Survey: survey})
}

func (s *Service) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	surveyID, err := uuid.Parse(chi.URLParam(r, "survey_id"))
	if err != nil {
		http.Error(w, "invalid survey id", http.StatusBadRequest)
		return
	}

	survey, err := s.registry.GetSurvey(surveyID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := &SurveyResponse{Survey: survey}
	if id, ok := s.ledger.PendingForSurvey(surveyID); ok {
		resp.PendingRequestID = id
		survey.CurrentRequestID = id
	}
	s.writeJSON(w, resp)
}

func (s *Service) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	surveyID, err := uuid.Parse(chi.URLParam(r, "survey_id"))
	if err != nil {
		http.Error(w, "invalid survey id", http.StatusBadRequest)
		return
	}

	signed, err := protocol.DecodeMessage[protocol.Signed[ResponseSubmission]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The envelope signer is the respondent identity.
	submission, respondent, err := signed.Recover()
	if err != nil {
		http.Error(w, "invalid submission signature", http.StatusForbidden)
		return
	}
	values, err := submission.DecodeValues()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.registry.SubmitResponse(surveyID, respondent, values); err != nil {
		s.writeError(w, err)
		return
	}
	s.archiveSurvey(surveyID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleCloseSurvey(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.registry.CloseSurvey)
}

func (s *Service) handlePublishResults(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.registry.PublishResults)
}

func (s *Service) lifecycleOp(w http.ResponseWriter, r *http.Request,
	op func(protocol.SurveyID, crypto.PublicKey) error) {

	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	surveyID, err := uuid.Parse(chi.URLParam(r, "survey_id"))
	if err != nil {
		http.Error(w, "invalid survey id", http.StatusBadRequest)
		return
	}

	if err := op(surveyID, caller); err != nil {
		s.writeError(w, err)
		return
	}
	s.archiveSurvey(surveyID)
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleRequestDecryption(w http.ResponseWriter, r *http.Request) {
	surveyID, questionIndex, ok := s.surveyQuestionParams(w, r)
	if !ok {
		return
	}

	id, err := s.engine.SubmitAggregateRequest(r.Context(), surveyID, questionIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.archiveRequest(id)
	s.writeJSON(w, &DecryptRequestResponse{RequestID: id})
}

func (s *Service) handleGetResult(w http.ResponseWriter, r *http.Request) {
	surveyID, questionIndex, ok := s.surveyQuestionParams(w, r)
	if !ok {
		return
	}

	result, err := s.registry.GetResult(surveyID, questionIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, &ResultResponse{SurveyID: surveyID, QuestionIndex: questionIndex, Result: result})
}

func (s *Service) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.RequestStatus(protocol.RequestID(chi.URLParam(r, "request_id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, &view)
}

func (s *Service) handleRefundable(w http.ResponseWriter, r *http.Request) {
	id := protocol.RequestID(chi.URLParam(r, "request_id"))
	ok, err := s.engine.CanTriggerRefund(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, &RefundableResponse{RequestID: id, Refundable: ok})
}

// handleTimeoutRefund is deliberately unauthenticated: anyone may force a
// timed-out request into its terminal state.
func (s *Service) handleTimeoutRefund(w http.ResponseWriter, r *http.Request) {
	id := protocol.RequestID(chi.URLParam(r, "request_id"))
	elapsed, err := s.engine.TriggerTimeoutRefund(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.archiveRequest(id)
	s.writeJSON(w, &RefundResponse{RequestID: id, ElapsedSeconds: elapsed})
}

func (s *Service) handleManualRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	// The reason body is optional.
	var req ManualRefundRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := protocol.RequestID(chi.URLParam(r, "request_id"))
	if err := s.engine.RequestManualRefund(id, caller); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info("manual refund", "requestID", id, "caller", caller.String(), "reason", req.Reason)
	s.archiveRequest(id)
	s.writeJSON(w, &RefundResponse{RequestID: id})
}

// handleCallback is the oracle's inbound delivery endpoint. Idempotency is
// inherited from the ledger's transition guard: redelivery gets 409.
func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.engine.OnDecryptionComplete(r.Context(), req.RequestID, req.Cleartexts, crypto.NewSignature(req.Proof))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.archiveRequest(req.RequestID)
	if view, err := s.engine.RequestStatus(req.RequestID); err == nil {
		if result, err := s.registry.GetResult(view.SurveyID, view.QuestionIndex); err == nil {
			if err := s.archive.SaveResult(view.SurveyID, view.QuestionIndex, result); err != nil {
				s.log.Error("archiving result failed", "requestID", req.RequestID, "err", err)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) surveyQuestionParams(w http.ResponseWriter, r *http.Request) (protocol.SurveyID, uint32, bool) {
	surveyID, err := uuid.Parse(chi.URLParam(r, "survey_id"))
	if err != nil {
		http.Error(w, "invalid survey id", http.StatusBadRequest)
		return protocol.SurveyID{}, 0, false
	}

	questionIndex, err := strconv.ParseUint(chi.URLParam(r, "question"), 10, 32)
	if err != nil {
		http.Error(w, "invalid question index", http.StatusBadRequest)
		return protocol.SurveyID{}, 0, false
	}
	return surveyID, uint32(questionIndex), true
}

func (s *Service) archiveSurvey(surveyID protocol.SurveyID) {
	survey, err := s.registry.GetSurvey(surveyID)
	if err != nil {
		return
	}
	if err := s.archive.SaveSurvey(survey); err != nil {
		s.log.Error("archiving survey failed", "surveyID", surveyID, "err", err)
	}
}

func (s *Service) archiveRequest(id protocol.RequestID) {
	view, err := s.engine.RequestStatus(id)
	if err != nil {
		return
	}
	if err := s.archive.SaveRequest(view); err != nil {
		s.log.Error("archiving request failed", "requestID", id, "err", err)
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response failed", "err", err)
	}
}

// writeError maps protocol errors onto HTTP status codes: not-found 404,
// state conflicts 409, authorization and proof failures 403, premature
// refunds 425, validation 400.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrSurveyNotFound),
		errors.Is(err, protocol.ErrQuestionNotFound),
		errors.Is(err, protocol.ErrRequestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, protocol.ErrRequestAlreadyPending),
		errors.Is(err, protocol.ErrInvalidTransition),
		errors.Is(err, protocol.ErrAlreadyProcessed),
		errors.Is(err, protocol.ErrAlreadyPublished),
		errors.Is(err, protocol.ErrDuplicateResponse):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, protocol.ErrUnauthorized),
		errors.Is(err, protocol.ErrProofInvalid):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, protocol.ErrTimeoutNotReached):
		http.Error(w, err.Error(), http.StatusTooEarly)
	case errors.Is(err, protocol.ErrSurveyActive),
		errors.Is(err, protocol.ErrSurveyClosed),
		errors.Is(err, protocol.ErrNotPublished),
		errors.Is(err, protocol.ErrNoResponses),
		errors.Is(err, protocol.ErrOutsideWindow),
		errors.Is(err, protocol.ErrEmptyAggregate),
		errors.Is(err, protocol.ErrRatingOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

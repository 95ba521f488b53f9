package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/oracle"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// OracleService exposes the threshold decryption oracle over HTTP. Submission
// and delivery are decoupled: /decrypt queues work and returns a request id,
// and a deliver tick POSTs finished cleartexts to the survey service's
// callback endpoint.
type OracleService struct {
	oracle      *oracle.Oracle
	callbackURL string
	client      *http.Client
	log         *slog.Logger

	// DeliverInterval drives the background delivery loop. Zero disables
	// the loop; deliveries then happen only via /deliver.
	DeliverInterval time.Duration
}

// NewOracleService creates the oracle HTTP wrapper.
func NewOracleService(orc *oracle.Oracle, callbackURL string, log *slog.Logger) (*OracleService, error) {
	if orc == nil {
		return nil, fmt.Errorf("oracle cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &OracleService{
		oracle:      orc,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
	orc.RegisterHandler(s)
	return s, nil
}

// RegisterRoutes registers the oracle's HTTP routes.
func (s *OracleService) RegisterRoutes(r chi.Router) {
	r.Post("/decrypt", s.handleDecrypt)
	r.Post("/deliver", s.handleDeliver)
	r.Get("/pending", s.handlePending)
	r.Get("/key", s.handleKey)
}

// Start runs the background delivery loop until ctx is cancelled.
func (s *OracleService) Start(ctx context.Context) {
	if s.DeliverInterval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.DeliverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.oracle.DeliverAll(ctx); err != nil {
					s.log.Error("delivery tick failed", "err", err)
				}
			}
		}
	}()
}

func (s *OracleService) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	values := make([]crypto.CipherHandle, 0, len(req.Values))
	for i, v := range req.Values {
		raw, err := hex.DecodeString(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("value %d is not valid hex", i), http.StatusBadRequest)
			return
		}
		values = append(values, crypto.CipherHandle(raw))
	}

	id, err := s.oracle.RequestDecryption(r.Context(), values)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&DecryptSubmissionResponse{RequestID: id})
}

// handleDeliver flushes all pending decryptions. Exists so operators and
// tests can force delivery without waiting for the ticker.
func (s *OracleService) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if err := s.oracle.DeliverAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *OracleService) handlePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"pending": s.oracle.PendingCount()})
}

// handleKey publishes the threshold Paillier public key and the oracle's
// proof-signing key. Survey services fetch both at startup.
func (s *OracleService) handleKey(w http.ResponseWriter, r *http.Request) {
	paillierKey, err := crypto.MarshalPaillierPublicKey(s.oracle.PaillierKey())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&OracleKeyResponse{
		PaillierKey: paillierKey,
		SigningKey:  s.oracle.PublicKey().String(),
	})
}

// OnDecryptionComplete posts the finished cleartexts to the survey service's
// callback endpoint.
func (s *OracleService) OnDecryptionComplete(ctx context.Context, id protocol.RequestID, cleartexts []byte, proof crypto.Signature) error {
	body, err := json.Marshal(&CallbackRequest{
		RequestID:  id,
		Cleartexts: cleartexts,
		Proof:      proof.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("marshaling callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	// Conflict means the request already reached a terminal state; the
	// delivery is then moot, not failed.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("callback rejected: status %d", resp.StatusCode)
	}

	s.log.Info("delivered decryption", "requestID", id, "status", resp.StatusCode)
	return nil
}

// HTTPBackend implements protocol.DecryptionBackend against a remote oracle
// service.
type HTTPBackend struct {
	baseURL   string
	oracleKey crypto.PublicKey
	client    *http.Client
}

// NewHTTPBackend creates a backend client for the oracle at baseURL. The
// oracle's signing key verifies delivered proofs.
func NewHTTPBackend(baseURL string, oracleKey crypto.PublicKey) *HTTPBackend {
	return &HTTPBackend{
		baseURL:   baseURL,
		oracleKey: oracleKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RequestDecryption submits ciphertexts to the remote oracle and returns the
// oracle-allocated request id.
func (b *HTTPBackend) RequestDecryption(ctx context.Context, values []crypto.CipherHandle) (protocol.RequestID, error) {
	submission := DecryptSubmission{Values: make([]string, 0, len(values))}
	for _, v := range values {
		submission.Values = append(submission.Values, hex.EncodeToString(v))
	}

	body, err := json.Marshal(&submission)
	if err != nil {
		return "", fmt.Errorf("marshaling submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/decrypt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle rejected submission: status %d", resp.StatusCode)
	}

	var submitted DecryptSubmissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("decoding oracle response: %w", err)
	}
	return submitted.RequestID, nil
}

// VerifyProof checks the oracle's signature over the delivered cleartexts.
func (b *HTTPBackend) VerifyProof(id protocol.RequestID, cleartexts []byte, proof crypto.Signature) bool {
	return proof.Verify(b.oracleKey, protocol.ProofMessage(id, cleartexts))
}

// Package oracle implements the decryption oracle: the holder of the
// threshold Paillier key shares that turns submitted ciphertexts into
// cleartexts and delivers them back through the registered callback handler,
// authenticated by an Ed25519 proof.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/niclabs/tcpaillier"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// Oracle accepts decryption requests, performs threshold decryption, and
// delivers signed cleartexts to the registered callback handler. It
// implements protocol.DecryptionBackend.
//
// Delivery is never automatic: a request sits pending until Deliver (or
// DeliverAll) is invoked, which models the asynchronous oracle that may also
// simply never respond. The ledger's timeout-refund path covers that case.
type Oracle struct {
	pk         *tcpaillier.PubKey
	shares     []*tcpaillier.KeyShare
	signingKey crypto.PrivateKey
	publicKey  crypto.PublicKey
	log        *slog.Logger

	mu      sync.Mutex
	handler protocol.CallbackHandler
	pending map[protocol.RequestID][]crypto.CipherHandle
}

// New creates an oracle from a threshold key and a signing identity.
func New(pk *tcpaillier.PubKey, shares []*tcpaillier.KeyShare, signingKey crypto.PrivateKey, log *slog.Logger) (*Oracle, error) {
	if pk == nil {
		return nil, errors.New("public key cannot be nil")
	}
	if len(shares) == 0 {
		return nil, errors.New("no key shares")
	}
	publicKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("deriving oracle public key: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Oracle{
		pk:         pk,
		shares:     shares,
		signingKey: signingKey,
		publicKey:  publicKey,
		log:        log,
		pending:    make(map[protocol.RequestID][]crypto.CipherHandle),
	}, nil
}

// PublicKey returns the oracle's proof-signing public key.
func (o *Oracle) PublicKey() crypto.PublicKey {
	return o.publicKey
}

// PaillierKey returns the threshold Paillier public key. Survey services use
// it to build their encryption scheme; it carries no decryption capability.
func (o *Oracle) PaillierKey() *tcpaillier.PubKey {
	return o.pk
}

// RegisterHandler registers the single callback handler cleartexts are
// delivered to.
func (o *Oracle) RegisterHandler(handler protocol.CallbackHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = handler
}

// RequestDecryption accepts ciphertexts for asynchronous decryption and
// returns a fresh request id. It never blocks on the decryption itself.
func (o *Oracle) RequestDecryption(ctx context.Context, values []crypto.CipherHandle) (protocol.RequestID, error) {
	if len(values) == 0 {
		return "", errors.New("no values to decrypt")
	}

	id := protocol.RequestID(uuid.NewString())

	o.mu.Lock()
	o.pending[id] = values
	o.mu.Unlock()

	o.log.Debug("decryption request accepted", "requestID", id, "values", len(values))
	return id, nil
}

// VerifyProof reports whether proof is this oracle's signature over the
// cleartexts for the given request id.
func (o *Oracle) VerifyProof(id protocol.RequestID, cleartexts []byte, proof crypto.Signature) bool {
	return proof.Verify(o.publicKey, protocol.ProofMessage(id, cleartexts))
}

// Decrypt runs the threshold decryption for a pending request and returns the
// signed result without delivering it. The request stays pending until
// delivered, so a crashed delivery can be retried.
func (o *Oracle) Decrypt(id protocol.RequestID) (*protocol.DecryptionResult, crypto.Signature, error) {
	o.mu.Lock()
	values, ok := o.pending[id]
	o.mu.Unlock()
	if !ok {
		return nil, nil, protocol.ErrRequestNotFound
	}

	cleartexts := make([]*big.Int, 0, len(values))
	for _, v := range values {
		pt, err := o.decryptOne(v.BigInt())
		if err != nil {
			return nil, nil, err
		}
		cleartexts = append(cleartexts, pt)
	}

	encoded := protocol.EncodeCleartexts(cleartexts)
	proof, err := crypto.Sign(o.signingKey, protocol.ProofMessage(id, encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("signing decryption proof: %w", err)
	}

	return &protocol.DecryptionResult{RequestID: id, Cleartexts: encoded}, proof, nil
}

// Deliver decrypts a pending request and invokes the registered callback
// handler with the cleartexts and proof. The request is dropped from the
// pending set only after the handler accepts it.
func (o *Oracle) Deliver(ctx context.Context, id protocol.RequestID) error {
	o.mu.Lock()
	handler := o.handler
	o.mu.Unlock()
	if handler == nil {
		return errors.New("no callback handler registered")
	}

	result, proof, err := o.Decrypt(id)
	if err != nil {
		return err
	}

	if err := handler.OnDecryptionComplete(ctx, id, result.Cleartexts, proof); err != nil {
		// A request already resolved on the receiving side can never be
		// delivered; keeping it pending would retry forever. Drop it and
		// treat the delivery as moot.
		if errors.Is(err, protocol.ErrAlreadyProcessed) || errors.Is(err, protocol.ErrInvalidTransition) {
			o.mu.Lock()
			delete(o.pending, id)
			o.mu.Unlock()
			o.log.Warn("dropping undeliverable decryption", "requestID", id, "err", err)
			return nil
		}
		return fmt.Errorf("callback delivery: %w", err)
	}

	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()

	o.log.Info("decryption delivered", "requestID", id)
	return nil
}

// DeliverAll delivers every pending request, returning the first error.
func (o *Oracle) DeliverAll(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]protocol.RequestID, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Deliver(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PendingCount returns the number of undelivered requests.
func (o *Oracle) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Oracle) decryptOne(c *big.Int) (*big.Int, error) {
	decShares := make([]*tcpaillier.DecryptionShare, 0, len(o.shares))
	for _, share := range o.shares {
		ds, err := share.PartialDecrypt(c)
		if err != nil {
			return nil, fmt.Errorf("partial decrypt (share %d): %w", share.Index, err)
		}
		decShares = append(decShares, ds)
	}

	pt, err := o.pk.CombineShares(decShares...)
	if err != nil {
		return nil, fmt.Errorf("combining decryption shares: %w", err)
	}
	return pt, nil
}

package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/config"
)

// Session holds the per-account pieces rooms depend on: the authenticated
// homeserver client, the user's identity, the timeline capacity bound, and
// the transaction-id generator.
type Session struct {
	userID     id.UserID
	bufferSize int
	client     *Client
	logger     *zap.Logger

	// txnPrefix makes transaction ids unique across client restarts; the
	// counter makes them unique within a run. A transaction id is handed
	// out once per logical send and reused verbatim across retries so the
	// server can deduplicate.
	txnPrefix  string
	txnCounter atomic.Uint64
}

// New creates a session from config. The access token must already be known;
// login is handled elsewhere.
func New(cfg *config.Config, logger *zap.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateUserID(cfg.UserID); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := NewClient(cfg.Homeserver, cfg.AccessToken, logger)
	if err != nil {
		return nil, err
	}

	return &Session{
		userID:     id.UserID(cfg.UserID),
		bufferSize: cfg.BufferSize,
		client:     client,
		logger:     logger,
		txnPrefix:  "go" + uuid.NewString()[:8],
	}, nil
}

// UserID returns the account's full Matrix user id.
func (s *Session) UserID() id.UserID {
	return s.userID
}

// BufferSize returns the per-room timeline window capacity.
func (s *Session) BufferSize() int {
	return s.bufferSize
}

// TxnID returns a fresh idempotency token for a PUT.
func (s *Session) TxnID() string {
	return fmt.Sprintf("%s.%d", s.txnPrefix, s.txnCounter.Add(1))
}

// Client returns the homeserver REST client.
func (s *Session) Client() *Client {
	return s.client
}

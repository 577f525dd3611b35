package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okothh/gemchat/internal/ai"
	"github.com/okothh/gemchat/internal/common"
)

// ErrEmptyMessage rejects a turn before any state is touched.
var ErrEmptyMessage = errors.New("empty message received")

type Service struct {
	repo        *Repo
	provider    ai.Provider
	aiTimeout   time.Duration
	atomicTurns bool
}

// NewService wires the exchange loop around a long-lived provider
// instance. aiTimeout bounds each upstream call; zero means unbounded.
// atomicTurns wraps a turn's two message writes in one transaction.
func NewService(repo *Repo, provider ai.Provider, aiTimeout time.Duration, atomicTurns bool) *Service {
	return &Service{
		repo:        repo,
		provider:    provider,
		aiTimeout:   aiTimeout,
		atomicTurns: atomicTurns,
	}
}

// FailureReply is what the transcript records when the upstream call
// fails: the turn still completes and the human reads an apology.
func FailureReply(err error) string {
	return fmt.Sprintf("Sorry, I couldn't process your request at the moment. Error: %v", err)
}

// HandleTurn runs one full exchange: resolve or create the session,
// persist the user message, gather context, call the provider, persist
// the reply. Upstream failures are absorbed into the reply text rather
// than surfaced; gorm.ErrRecordNotFound means the session id does not
// resolve for this user.
func (s *Service) HandleTurn(ctx context.Context, userID uint64, sessionID string, content string) (string, string, error) {
	if content == "" {
		return "", "", ErrEmptyMessage
	}

	var session *Session
	if sessionID != "" {
		var err error
		session, err = s.repo.GetOwnedSession(ctx, userID, sessionID)
		if err != nil {
			return "", "", err
		}
	} else {
		sid, err := common.NewULID()
		if err != nil {
			return "", "", err
		}
		session = &Session{
			SessionID: sid,
			UserID:    userID,
			Title:     SessionTitle(content),
		}
		if err := s.repo.CreateSession(ctx, session); err != nil {
			return "", "", err
		}
	}

	var reply string
	turn := func(r *Repo) error {
		userMsg := &Message{
			SessionID:  session.SessionID,
			UserID:     userID,
			Content:    content,
			IsFromUser: true,
		}
		if err := r.InsertMessage(ctx, userMsg); err != nil {
			return err
		}

		msgs, err := r.ListMessages(ctx, session.SessionID)
		if err != nil {
			return err
		}
		history := BuildHistory(msgs, userMsg.ID)
		history = append(history, ai.Message{Role: ai.RoleUser, Content: content})

		reply = s.callProvider(ctx, history)

		return r.InsertMessage(ctx, &Message{
			SessionID:  session.SessionID,
			UserID:     userID,
			Content:    reply,
			IsFromUser: false,
		})
	}

	var err error
	if s.atomicTurns {
		err = s.repo.Transaction(ctx, turn)
	} else {
		err = turn(s.repo)
	}
	if err != nil {
		return "", "", err
	}
	return reply, session.SessionID, nil
}

// callProvider makes the single upstream attempt and folds any failure,
// including a timeout, into displayable reply text.
func (s *Service) callProvider(ctx context.Context, history []ai.Message) string {
	if s.aiTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.aiTimeout)
		defer cancel()
	}
	reply, err := s.provider.Chat(ctx, history)
	if err != nil {
		return FailureReply(err)
	}
	return reply
}

// CompleteTurn finishes an asynchronous turn whose user message is
// already stored: it replays the whole transcript as context and appends
// the AI reply. Same failure absorption as HandleTurn.
func (s *Service) CompleteTurn(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	session, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	msgs, err := s.repo.ListMessages(ctx, session.SessionID)
	if err != nil {
		return "", 0, err
	}
	history := BuildHistory(msgs, 0)

	reply := s.callProvider(ctx, history)

	aiMsg := &Message{
		SessionID:  session.SessionID,
		UserID:     userID,
		Content:    reply,
		IsFromUser: false,
	}
	if err := s.repo.InsertMessage(ctx, aiMsg); err != nil {
		return "", 0, err
	}
	return reply, aiMsg.ID, nil
}

// InsertUserMessage stores the user half of a turn up front so an async
// worker can complete it later. Ownership is enforced by the lookup.
func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, sessionID string, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	session, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return s.repo.InsertMessage(ctx, &Message{
		SessionID:  session.SessionID,
		UserID:     userID,
		Content:    content,
		IsFromUser: true,
	})
}

// ResolveOrCreateSession is the async path's counterpart to HandleTurn's
// session step: an explicit id must resolve for this user, no id creates
// a fresh session titled from the seed text.
func (s *Service) ResolveOrCreateSession(ctx context.Context, userID uint64, sessionID, seed string) (*Session, error) {
	if sessionID != "" {
		return s.repo.GetOwnedSession(ctx, userID, sessionID)
	}
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     SessionTitle(seed),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

// SessionMessages returns the ordered transcript of an owned session.
func (s *Service) SessionMessages(ctx context.Context, userID uint64, sessionID string) (*Session, []Message, error) {
	session, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, session.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, msgs, nil
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *TurnJob) (*TurnJob, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*TurnJob, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) GetJobByIdempotencyKey(ctx context.Context, userID uint64, key string) (*TurnJob, error) {
	return s.repo.GetJobByIdempotencyKey(ctx, userID, key)
}

// ProcessJob runs one queued turn to completion and records the outcome
// on the job row. Upstream failures are absorbed into the stored reply
// by CompleteTurn, so a job only fails on local faults (missing job or
// session, DB errors).
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	_ = s.repo.MarkJobRunning(ctx, jobID)

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	_, aiMsgID, err := s.CompleteTurn(ctx, j.UserID, j.SessionID)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID, aiMsgID)
}

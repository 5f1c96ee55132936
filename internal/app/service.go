/**
 * @description
 * This file contains the review session registry. Each open review surface is
 * one session: a review.Controller owned by the operator that opened it. The
 * Service acts as the host of every controller and fans close signals out to
 * metrics and the event producer.
 *
 * @dependencies
 * - internal/review: The per-session review state machine.
 * - pkg/rabbitmq: Publishes review closed events so list views refetch.
 * - github.com/google/uuid: Session ids.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/finforte/deposit-review-service/internal/review"
	"github.com/finforte/deposit-review-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

const (
	publishTimeout = 5 * time.Second

	closeReasonClosed   = "closed"
	closeReasonEdited   = "edited"
	closeReasonIdle     = "idle"
	closeReasonShutdown = "shutdown"
)

var (
	ErrSessionNotFound = errors.New("review session not found")
	ErrInvalidDeposit  = errors.New("deposit record is missing an id or has an unknown status")
)

// RateLimitError is returned when an operator exceeded the transition rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("transition rate limit exceeded; retry after %ds", e.RetryAfterSeconds)
}

// TransitionLimiter charges approve/reject requests against an operator's
// budget. Allow returns *RateLimitError once the budget is spent.
// *RedisTransitionLimiter implements it.
type TransitionLimiter interface {
	Allow(ctx context.Context, operatorID string) error
}

// Recorder receives session level measurements. *metrics.ReviewMetrics implements it.
type Recorder interface {
	review.Observer
	SessionOpened()
	SessionClosed()
	TransitionRateLimited()
	EventPublished(err error)
}

type noopRecorder struct{}

func (noopRecorder) TransitionCompleted(domain.DepositStatus, domain.Outcome, time.Duration) {}
func (noopRecorder) StaleResultDiscarded(domain.DepositStatus) {}
func (noopRecorder) SessionOpened() {}
func (noopRecorder) SessionClosed() {}
func (noopRecorder) TransitionRateLimited() {}
func (noopRecorder) EventPublished(error) {}

type session struct {
	id          uuid.UUID
	operatorID  string
	controller  *review.Controller
	closeReason string
}

// Service holds the open review sessions.
type Service struct {
	updater   review.StatusUpdater
	publisher rabbitmq.Publisher
	recorder  Recorder
	logger    *slog.Logger

	transitionTimeout time.Duration
	limiter           TransitionLimiter
	displayLocation   *time.Location

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewService creates a new review service. publisher and recorder may be nil.
func NewService(updater review.StatusUpdater, publisher rabbitmq.Publisher, recorder Recorder, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		updater:   updater,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*session),
	}
}

// SetTransitionLimiter enables per-operator limiting of approve/reject requests.
func (s *Service) SetTransitionLimiter(limiter TransitionLimiter) {
	s.limiter = limiter
}

// SetTransitionTimeout bounds every remote status-update call.
func (s *Service) SetTransitionTimeout(timeout time.Duration) {
	s.transitionTimeout = timeout
}

// SetDisplayLocation sets the time zone used for deposit dates in views.
func (s *Service) SetDisplayLocation(loc *time.Location) {
	s.displayLocation = loc
}

// OpenReview starts a review session for deposit. The session belongs to operatorID.
func (s *Service) OpenReview(ctx context.Context, operatorID string, deposit *domain.Deposit) (uuid.UUID, review.View, error) {
	if deposit == nil {
		return uuid.Nil, review.View{}, review.ErrNoDeposit
	}
	if strings.TrimSpace(deposit.ID) == "" || !deposit.Status.Valid() {
		return uuid.Nil, review.View{}, ErrInvalidDeposit
	}

	id := uuid.New()
	logger := s.logger.With("session_id", id.String(), "operator_id", operatorID)
	sess := &session{id: id, operatorID: operatorID, closeReason: closeReasonClosed}
	sess.controller = review.NewController(s.updater,
		review.WithHost(review.HostFunc(func(signal review.CloseSignal) { s.sessionClosed(id, signal) })),
		review.WithObserver(s.recorder),
		review.WithLogger(logger),
		review.WithTransitionTimeout(s.transitionTimeout),
	)
	if err := sess.controller.Open(deposit); err != nil {
		return uuid.Nil, review.View{}, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.recorder.SessionOpened()

	logger.Info("review session opened", "component", "app", "deposit_id", deposit.ID, "status", deposit.Status)
	return id, sess.controller.View(s.displayLocation), nil
}

// View returns the render data of a session.
func (s *Service) View(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return review.View{}, err
	}
	return sess.controller.View(s.displayLocation), nil
}

// Approve requests the approved transition.
func (s *Service) Approve(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
	return s.transition(ctx, operatorID, id, domain.DepositStatusApproved)
}

// Reject requests the rejected transition.
func (s *Service) Reject(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
	return s.transition(ctx, operatorID, id, domain.DepositStatusRejected)
}

func (s *Service) transition(ctx context.Context, operatorID string, id uuid.UUID, target domain.DepositStatus) (review.View, error) {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return review.View{}, err
	}

	// Reserve before charging: dropped requests must not use up budget.
	reservation, err := sess.controller.Reserve(target)
	if err != nil {
		return sess.controller.View(s.displayLocation), err
	}
	if err := s.chargeTransition(ctx, operatorID); err != nil {
		reservation.Release()
		return sess.controller.View(s.displayLocation), err
	}

	err = reservation.Start(ctx)
	return sess.controller.View(s.displayLocation), err
}

func (s *Service) chargeTransition(ctx context.Context, operatorID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Allow(ctx, operatorID)
	var rateErr *RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rateErr):
		s.recorder.TransitionRateLimited()
		return rateErr
	default:
		s.logger.Warn("transition rate limiter unavailable; allowing request", "component", "app", "operator_id", operatorID, "err", err)
		return nil
	}
}

// EnterEdit switches the session to the amount edit sub-flow.
func (s *Service) EnterEdit(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return review.View{}, err
	}
	err = sess.controller.EnterEdit()
	return sess.controller.View(s.displayLocation), err
}

// ExitEdit finishes the edit sub-flow. With thenClose the session is closed and
// list views are told to refetch.
func (s *Service) ExitEdit(ctx context.Context, operatorID string, id uuid.UUID, thenClose bool) (review.View, error) {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return review.View{}, err
	}
	if thenClose {
		s.setCloseReason(sess, closeReasonEdited)
	}
	if err := sess.controller.ExitEdit(thenClose); err != nil {
		return review.View{}, err
	}
	return sess.controller.View(s.displayLocation), nil
}

// DismissBanner hides the session's notification banner.
func (s *Service) DismissBanner(ctx context.Context, operatorID string, id uuid.UUID) (review.View, error) {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return review.View{}, err
	}
	if err := sess.controller.DismissBanner(); err != nil {
		return review.View{}, err
	}
	return sess.controller.View(s.displayLocation), nil
}

// CloseReview closes a session. A transition still in flight keeps running but
// its result is discarded.
func (s *Service) CloseReview(ctx context.Context, operatorID string, id uuid.UUID, refresh bool) error {
	sess, err := s.lookup(operatorID, id)
	if err != nil {
		return err
	}
	sess.controller.Close(refresh)
	return nil
}

// SweepIdle closes sessions without activity for longer than maxIdle and
// returns how many were closed.
func (s *Service) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)

	var idle []*session
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.controller.Snapshot().LastActivity.Before(cutoff) {
			sess.closeReason = closeReasonIdle
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.controller.Close(false)
	}
	if len(idle) > 0 {
		s.logger.Info("closed idle review sessions", "component", "app", "count", len(idle), "max_idle", maxIdle.String())
	}
	return len(idle)
}

// OpenSessions returns the number of open sessions.
func (s *Service) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and waits for their in-flight transitions
// until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.closeReason = closeReasonShutdown
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.controller.Close(false)
	}

	done := make(chan struct{})
	go func() {
		for _, sess := range all {
			sess.controller.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight transitions: %w", ctx.Err())
	}
}

func (s *Service) lookup(operatorID string, id uuid.UUID) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.operatorID != operatorID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) setCloseReason(sess *session, reason string) {
	s.mu.Lock()
	sess.closeReason = reason
	s.mu.Unlock()
}

// sessionClosed is the host callback of every controller.
func (s *Service) sessionClosed(id uuid.UUID, signal review.CloseSignal) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var reason string
	if ok {
		delete(s.sessions, id)
		reason = sess.closeReason
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.recorder.SessionClosed()

	logger := s.logger.With("session_id", id.String(), "operator_id", sess.operatorID)
	logger.Info("review session closed", "component", "app", "deposit_id", signal.DepositID, "refresh", signal.Refresh, "reason", reason)
	if !signal.Refresh {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	event := rabbitmq.NewReviewClosedEvent(id, signal.DepositID, sess.operatorID, signal.Refresh, reason)
	err := s.publisher.PublishReviewClosed(ctx, event)
	s.recorder.EventPublished(err)
	if err != nil {
		logger.Warn("failed to publish review closed event", "component", "app", "deposit_id", signal.DepositID, "err", err)
	}
}

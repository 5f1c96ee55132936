/**
 * @description
 * The review Controller owns the transient state of one deposit review surface
 * and mediates between operator intent and the remote status-update call.
 *
 * Key features:
 * - Single-flight transitions: while one approve/reject is outstanding every
 *   further transition request is dropped, never queued.
 * - The remote call is asynchronous. Closing or re-opening the session does not
 *   cancel it, but its result is discarded once the session generation changed.
 * - Every failure ends in a failure outcome and an actionable session; nothing
 *   from the remote call escapes the controller.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - pkg/depositclient: Request/response types of the deposit-management service.
 */

package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/finforte/deposit-review-service/pkg/depositclient"
)

const (
	// GenericFailureMessage is shown when the remote service gave no usable reason.
	GenericFailureMessage = "Unable to update the deposit right now. Please try again."
	// DefaultSuccessMessage is shown when the remote service accepted the change without a message.
	DefaultSuccessMessage = "Deposit status updated"

	defaultTransitionTimeout = 30 * time.Second
)

var (
	ErrNoDeposit          = errors.New("review: no deposit to open")
	ErrSessionClosed      = errors.New("review: session is closed")
	ErrNotPending         = errors.New("review: deposit is not pending")
	ErrTransitionInFlight = errors.New("review: a transition is already in flight")
	ErrInvalidTarget      = errors.New("review: unsupported transition target")
	ErrReservationUsed    = errors.New("review: reservation already started or released")
)

// StatusUpdater is the remote status-update call.
type StatusUpdater interface {
	UpdateDepositStatus(ctx context.Context, depositID string, req depositclient.StatusUpdateRequest) (*depositclient.StatusUpdateResponse, error)
}

// CloseSignal tells the host that a review surface went away and whether its
// deposit list should be refetched.
type CloseSignal struct {
	DepositID string
	Refresh   bool
}

// Host receives signals from the controller. It is called without the
// controller's lock held, so it may call back into the controller.
type Host interface {
	ReviewClosed(signal CloseSignal)
}

// HostFunc adapts a function to Host.
type HostFunc func(signal CloseSignal)

func (f HostFunc) ReviewClosed(signal CloseSignal) { f(signal) }

// Observer is notified about transition results. Implementations must be safe
// for concurrent use.
type Observer interface {
	TransitionCompleted(target domain.DepositStatus, outcome domain.Outcome, elapsed time.Duration)
	StaleResultDiscarded(target domain.DepositStatus)
}

// Option configures a Controller.
type Option func(*Controller)

func WithHost(host Host) Option {
	return func(c *Controller) { c.host = host }
}

func WithObserver(observer Observer) Option {
	return func(c *Controller) { c.observer = observer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransitionTimeout bounds a single remote status-update call.
func WithTransitionTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// State is a copy of the session state at one point in time.
type State struct {
	Open            bool
	Generation      uint64
	Deposit         *domain.Deposit
	Mode            domain.ReviewMode
	PendingAction   domain.PendingAction
	LastOutcome     domain.Outcome
	BannerDismissed bool
	LastActivity    time.Time
}

// Controller is the review controller of one review surface.
type Controller struct {
	updater  StatusUpdater
	host     Host
	observer Observer
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	inflight sync.WaitGroup

	mu              sync.Mutex
	open            bool
	generation      uint64
	deposit         *domain.Deposit
	mode            domain.ReviewMode
	pending         domain.PendingAction
	outcome         domain.Outcome
	bannerDismissed bool
	lastActivity    time.Time
}

// NewController creates a closed controller. Call Open to start a session.
func NewController(updater StatusUpdater, opts ...Option) *Controller {
	c := &Controller{
		updater: updater,
		logger:  slog.Default(),
		timeout: defaultTransitionTimeout,
		now:     time.Now,
		mode:    domain.ReviewModeViewing,
		pending: domain.PendingActionNone,
		outcome: domain.Outcome{Kind: domain.OutcomeNone},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts a fresh session for deposit. A nil deposit means there is nothing
// to review and leaves the controller untouched.
func (c *Controller) Open(deposit *domain.Deposit) error {
	if deposit == nil {
		return ErrNoDeposit
	}
	snapshot := *deposit

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.open = true
	c.deposit = &snapshot
	c.resetLocked()
	c.lastActivity = c.now()

	c.logger.Debug("review session opened", "component", "review", "deposit_id", snapshot.ID, "status", snapshot.Status)
	return nil
}

// Close tears the session down and signals the host. Calling Close on a closed
// controller does nothing. A transition still in flight keeps running, but its
// result is dropped.
func (c *Controller) Close(refresh bool) {
	c.mu.Lock()
	c.closeLocked(0, refresh)
}

// closeLocked closes the session if it is open and, for a non-zero generation,
// still that generation. It releases c.mu before signalling the host and
// reports whether it closed anything.
func (c *Controller) closeLocked(generation uint64, refresh bool) bool {
	if !c.open || (generation != 0 && generation != c.generation) {
		c.mu.Unlock()
		return false
	}
	depositID := c.deposit.ID
	inFlight := c.pending != domain.PendingActionNone
	c.generation++
	c.open = false
	c.deposit = nil
	c.resetLocked()
	host := c.host
	c.mu.Unlock()

	c.logger.Debug("review session closed", "component", "review", "deposit_id", depositID, "refresh", refresh, "transition_in_flight", inFlight)
	if host != nil {
		host.ReviewClosed(CloseSignal{DepositID: depositID, Refresh: refresh})
	}
	return true
}

// CanTransition reports whether RequestTransition(target) would issue a remote call.
func (c *Controller) CanTransition(target domain.DepositStatus) bool {
	if !target.IsTransitionTarget() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && c.deposit.IsPending() && c.pending == domain.PendingActionNone
}

// RequestTransition asks the remote service to move the deposit to target.
// It returns as soon as the request is issued; the outcome is recorded on the
// session when the response arrives. A call that cannot be issued changes nothing.
func (c *Controller) RequestTransition(ctx context.Context, target domain.DepositStatus) error {
	reservation, err := c.Reserve(target)
	if err != nil {
		return err
	}
	return reservation.Start(ctx)
}

// Reservation holds the session's single transition slot between Reserve and
// Start. While it is held every other transition request is dropped.
type Reservation struct {
	c          *Controller
	target     domain.DepositStatus
	generation uint64
	done       bool // guarded by c.mu
}

// Reserve claims the transition slot for target without calling the remote
// service. The caller must either Start or Release the reservation.
func (c *Controller) Reserve(target domain.DepositStatus) (*Reservation, error) {
	action, ok := domain.PendingActionFor(target)
	if !ok {
		return nil, ErrInvalidTarget
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrSessionClosed
	}
	if !c.deposit.IsPending() {
		return nil, ErrNotPending
	}
	if c.pending != domain.PendingActionNone {
		return nil, ErrTransitionInFlight
	}

	c.pending = action
	c.lastActivity = c.now()
	return &Reservation{c: c, target: target, generation: c.generation}, nil
}

// Start issues the reserved remote call. It fails with ErrSessionClosed when the
// session was closed or re-opened since Reserve.
func (r *Reservation) Start(ctx context.Context) error {
	c := r.c
	c.mu.Lock()
	if r.done {
		c.mu.Unlock()
		return ErrReservationUsed
	}
	r.done = true
	if !c.open || c.generation != r.generation {
		c.mu.Unlock()
		return ErrSessionClosed
	}

	c.outcome = domain.Outcome{Kind: domain.OutcomeNone}
	c.bannerDismissed = false
	c.lastActivity = c.now()
	deposit := *c.deposit
	c.inflight.Add(1)
	c.mu.Unlock()

	req := depositclient.NewStatusUpdateRequest(string(r.target), deposit.User.Email, deposit.Amount)
	go c.runTransition(context.WithoutCancel(ctx), r.generation, deposit.ID, r.target, req)
	return nil
}

// Release gives the slot back without calling the remote service. It is a no-op
// after Start or once the reserving session is gone.
func (r *Reservation) Release() {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if c.open && c.generation == r.generation {
		c.pending = domain.PendingActionNone
	}
}

func (c *Controller) runTransition(ctx context.Context, generation uint64, depositID string, target domain.DepositStatus, req depositclient.StatusUpdateRequest) {
	defer c.inflight.Done()

	started := c.now()
	outcome := c.callUpdater(ctx, depositID, target, req)
	elapsed := c.now().Sub(started)

	c.mu.Lock()
	if !c.open || c.generation != generation {
		c.mu.Unlock()
		c.logger.Debug("discarding stale transition result", "component", "review", "deposit_id", depositID, "target", target)
		if c.observer != nil {
			c.observer.StaleResultDiscarded(target)
		}
		return
	}
	c.pending = domain.PendingActionNone
	c.outcome = outcome
	c.bannerDismissed = false
	c.lastActivity = c.now()
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.TransitionCompleted(target, outcome, elapsed)
	}
}

func (c *Controller) callUpdater(ctx context.Context, depositID string, target domain.DepositStatus, req depositclient.StatusUpdateRequest) (outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("status update panicked", "component", "review", "deposit_id", depositID, "target", target, "panic", fmt.Sprint(r))
			outcome = domain.FailureOutcome(GenericFailureMessage)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.updater.UpdateDepositStatus(callCtx, depositID, req)
	if err != nil {
		if msg, ok := depositclient.RejectionMessage(err); ok {
			c.logger.Info("deposit transition rejected", "component", "review", "deposit_id", depositID, "target", target, "err", err)
			return domain.FailureOutcome(msg)
		}
		c.logger.Warn("deposit transition failed", "component", "review", "deposit_id", depositID, "target", target, "err", err)
		return domain.FailureOutcome(GenericFailureMessage)
	}

	msg := DefaultSuccessMessage
	if resp != nil && resp.Message != "" {
		msg = resp.Message
	}
	c.logger.Info("deposit transition succeeded", "component", "review", "deposit_id", depositID, "target", target)
	return domain.SuccessOutcome(msg)
}

// EnterEdit switches the session to the edit sub-flow.
func (c *Controller) EnterEdit() error {
	return c.enterEdit(0)
}

func (c *Controller) enterEdit(generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || (generation != 0 && generation != c.generation) {
		return ErrSessionClosed
	}
	if !c.deposit.IsPending() {
		return ErrNotPending
	}
	if c.pending != domain.PendingActionNone {
		return ErrTransitionInFlight
	}
	c.mode = domain.ReviewModeEditing
	c.lastActivity = c.now()
	return nil
}

// ExitEdit is called when the edit sub-flow finishes. With thenClose the whole
// session closes and the host is told to refresh; otherwise the session returns
// to the read-only view.
func (c *Controller) ExitEdit(thenClose bool) error {
	return c.exitEdit(0, thenClose)
}

// exitEdit with a non-zero generation only applies to that session generation.
func (c *Controller) exitEdit(generation uint64, thenClose bool) error {
	c.mu.Lock()
	if thenClose {
		if !c.closeLocked(generation, true) {
			return ErrSessionClosed
		}
		return nil
	}
	defer c.mu.Unlock()
	if !c.open || (generation != 0 && generation != c.generation) {
		return ErrSessionClosed
	}
	c.mode = domain.ReviewModeViewing
	c.lastActivity = c.now()
	return nil
}

// DismissBanner hides the current notification banner. The recorded outcome is
// kept; only the next transition attempt replaces it.
func (c *Controller) DismissBanner() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return ErrSessionClosed
	}
	c.bannerDismissed = true
	c.lastActivity = c.now()
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := State{
		Open:            c.open,
		Generation:      c.generation,
		Mode:            c.mode,
		PendingAction:   c.pending,
		LastOutcome:     c.outcome,
		BannerDismissed: c.bannerDismissed,
		LastActivity:    c.lastActivity,
	}
	if c.deposit != nil {
		deposit := *c.deposit
		state.Deposit = &deposit
	}
	return state
}

// Wait blocks until no status-update call started by this controller is outstanding.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) resetLocked() {
	c.mode = domain.ReviewModeViewing
	c.pending = domain.PendingActionNone
	c.outcome = domain.Outcome{Kind: domain.OutcomeNone}
	c.bannerDismissed = false
}

package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/finforte/deposit-review-service/pkg/depositclient"
	"github.com/shopspring/decimal"
)

type updateCall struct {
	depositID string
	req       depositclient.StatusUpdateRequest
	ctxErr    error
}

type updaterStub struct {
	mu      sync.Mutex
	calls   []updateCall
	release chan struct{}

	resp       *depositclient.StatusUpdateResponse
	err        error
	panicValue interface{}
}

func (s *updaterStub) UpdateDepositStatus(ctx context.Context, depositID string, req depositclient.StatusUpdateRequest) (*depositclient.StatusUpdateResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, updateCall{depositID: depositID, req: req, ctxErr: ctx.Err()})
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if s.panicValue != nil {
		panic(s.panicValue)
	}
	return s.resp, s.err
}

func (s *updaterStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type hostStub struct {
	mu      sync.Mutex
	signals []CloseSignal
}

func (h *hostStub) ReviewClosed(signal CloseSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, signal)
}

func (h *hostStub) received() []CloseSignal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CloseSignal(nil), h.signals...)
}

type observerStub struct {
	mu        sync.Mutex
	completed []domain.Outcome
	stale     int
}

func (o *observerStub) TransitionCompleted(target domain.DepositStatus, outcome domain.Outcome, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, outcome)
}

func (o *observerStub) StaleResultDiscarded(target domain.DepositStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale++
}

func pendingDeposit() *domain.Deposit {
	return &domain.Deposit{
		ID:     "d1",
		Status: domain.DepositStatusPending,
		Amount: decimal.NewFromInt(100),
		User:   domain.DepositUser{Name: "Ada", Email: "a@x.com"},
		Date:   time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC),
		WalletData: domain.WalletData{
			CoinName:        "BTC",
			Network:         "bitcoin",
			Address:         "bc1qexample",
			ConvertedAmount: decimal.RequireFromString("0.0015"),
		},
	}
}

func newTestController(updater StatusUpdater, opts ...Option) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(updater, append([]Option{WithLogger(logger)}, opts...)...)
}

func TestRequestTransitionApproveRecordsSuccess(t *testing.T) {
	updater := &updaterStub{resp: &depositclient.StatusUpdateResponse{Message: "Deposit approved"}}
	controller := newTestController(updater)
	if err := controller.Open(pendingDeposit()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); err != nil {
		t.Fatalf("request transition: %v", err)
	}
	controller.Wait()

	state := controller.Snapshot()
	if state.LastOutcome != domain.SuccessOutcome("Deposit approved") {
		t.Fatalf("unexpected outcome: %+v", state.LastOutcome)
	}
	if state.PendingAction != domain.PendingActionNone {
		t.Fatalf("expected no pending action, got %s", state.PendingAction)
	}
	if state.Deposit.Status != domain.DepositStatusPending {
		t.Fatalf("local record must not be mutated, got status %s", state.Deposit.Status)
	}

	if updater.callCount() != 1 {
		t.Fatalf("expected one remote call, got %d", updater.callCount())
	}
	call := updater.calls[0]
	if call.depositID != "d1" {
		t.Fatalf("unexpected deposit id: %s", call.depositID)
	}
	if call.req.Status != "approved" || call.req.Email != "a@x.com" || call.req.Amount.String() != "100" {
		t.Fatalf("unexpected request payload: %+v", call.req)
	}
}

func TestRequestTransitionRejectRecordsRemoteFailureMessage(t *testing.T) {
	updater := &updaterStub{err: &depositclient.ErrorResponse{StatusCode: http.StatusUnprocessableEntity, Message: "Insufficient funds on file"}}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	if err := controller.RequestTransition(context.Background(), domain.DepositStatusRejected); err != nil {
		t.Fatalf("request transition: %v", err)
	}
	controller.Wait()

	state := controller.Snapshot()
	if state.LastOutcome != domain.FailureOutcome("Insufficient funds on file") {
		t.Fatalf("unexpected outcome: %+v", state.LastOutcome)
	}
	if state.PendingAction != domain.PendingActionNone {
		t.Fatalf("expected session to be actionable again, got %s", state.PendingAction)
	}
	if updater.calls[0].req.Status != "rejected" {
		t.Fatalf("unexpected status in payload: %s", updater.calls[0].req.Status)
	}
}

func TestRequestTransitionTransportErrorUsesGenericMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "transport", err: &depositclient.RequestError{Op: "execute status update request", Err: errors.New("connection refused")}},
		{name: "rejection without message", err: &depositclient.ErrorResponse{StatusCode: http.StatusBadGateway}},
		{name: "unclassified", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := newTestController(&updaterStub{err: tt.err})
			_ = controller.Open(pendingDeposit())

			if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); err != nil {
				t.Fatalf("request transition: %v", err)
			}
			controller.Wait()

			state := controller.Snapshot()
			if state.LastOutcome != domain.FailureOutcome(GenericFailureMessage) {
				t.Fatalf("expected generic failure, got %+v", state.LastOutcome)
			}
			if state.PendingAction != domain.PendingActionNone {
				t.Fatalf("expected no pending action, got %s", state.PendingAction)
			}
		})
	}
}

func TestRequestTransitionSuccessWithoutMessageUsesDefault(t *testing.T) {
	controller := newTestController(&updaterStub{resp: &depositclient.StatusUpdateResponse{}})
	_ = controller.Open(pendingDeposit())

	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	if got := controller.Snapshot().LastOutcome; got != domain.SuccessOutcome(DefaultSuccessMessage) {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestRequestTransitionIsSingleFlight(t *testing.T) {
	updater := &updaterStub{
		release: make(chan struct{}),
		resp:    &depositclient.StatusUpdateResponse{Message: "Deposit approved"},
	}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected ErrTransitionInFlight for repeated approve, got %v", err)
	}
	if err := controller.RequestTransition(context.Background(), domain.DepositStatusRejected); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected ErrTransitionInFlight for reject while approving, got %v", err)
	}
	if err := controller.EnterEdit(); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected edit to be blocked while approving, got %v", err)
	}

	state := controller.Snapshot()
	if state.PendingAction != domain.PendingActionApproving {
		t.Fatalf("expected approving, got %s", state.PendingAction)
	}
	if !state.LastOutcome.IsNone() {
		t.Fatalf("expected outcome to be cleared while in flight, got %+v", state.LastOutcome)
	}
	if controller.CanTransition(domain.DepositStatusApproved) || controller.CanTransition(domain.DepositStatusRejected) {
		t.Fatal("expected both transitions to be disabled while one is in flight")
	}

	close(updater.release)
	controller.Wait()

	if updater.callCount() != 1 {
		t.Fatalf("expected exactly one remote call, got %d", updater.callCount())
	}
	if !controller.CanTransition(domain.DepositStatusRejected) {
		t.Fatal("expected transitions to be enabled again after the response")
	}
}

func TestCloseWhileInFlightDiscardsStaleResult(t *testing.T) {
	updater := &updaterStub{
		release: make(chan struct{}),
		resp:    &depositclient.StatusUpdateResponse{Message: "Deposit approved"},
	}
	host := &hostStub{}
	observer := &observerStub{}
	controller := newTestController(updater, WithHost(host), WithObserver(observer))
	_ = controller.Open(pendingDeposit())

	if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); err != nil {
		t.Fatalf("request transition: %v", err)
	}
	controller.Close(false)

	before := controller.Snapshot()
	close(updater.release)
	controller.Wait()
	after := controller.Snapshot()

	if after.Open || after.Generation != before.Generation {
		t.Fatalf("stale response reanimated the session: %+v", after)
	}
	if !after.LastOutcome.IsNone() || after.PendingAction != domain.PendingActionNone {
		t.Fatalf("stale response mutated state: %+v", after)
	}
	if view := controller.View(nil); view.Visible || view.Banner != nil {
		t.Fatalf("expected nothing to render after close, got %+v", view)
	}
	if observer.stale != 1 || len(observer.completed) != 0 {
		t.Fatalf("expected one discarded result and no completion, got stale=%d completed=%d", observer.stale, len(observer.completed))
	}

	signals := host.received()
	if len(signals) != 1 || signals[0].DepositID != "d1" || signals[0].Refresh {
		t.Fatalf("unexpected host signals: %+v", signals)
	}
}

func TestReopenDiscardsResultOfPreviousSession(t *testing.T) {
	updater := &updaterStub{
		release: make(chan struct{}),
		err:     &depositclient.ErrorResponse{StatusCode: http.StatusConflict, Message: "already processed"},
	}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())
	_ = controller.RequestTransition(context.Background(), domain.DepositStatusRejected)

	if err := controller.Open(pendingDeposit()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	close(updater.release)
	controller.Wait()

	state := controller.Snapshot()
	if !state.Open {
		t.Fatal("expected reopened session to stay open")
	}
	if !state.LastOutcome.IsNone() || state.PendingAction != domain.PendingActionNone {
		t.Fatalf("expected fresh session state, got %+v", state)
	}
}

func TestCloseDoesNotCancelRemoteCall(t *testing.T) {
	updater := &updaterStub{resp: &depositclient.StatusUpdateResponse{Message: "ok"}}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := controller.RequestTransition(ctx, domain.DepositStatusApproved); err != nil {
		t.Fatalf("request transition: %v", err)
	}
	controller.Wait()

	if updater.calls[0].ctxErr != nil {
		t.Fatalf("expected caller cancellation not to reach the remote call, got %v", updater.calls[0].ctxErr)
	}
}

func TestTransitionsOnlyEnabledForPendingRecords(t *testing.T) {
	for _, status := range []domain.DepositStatus{domain.DepositStatusApproved, domain.DepositStatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			updater := &updaterStub{}
			controller := newTestController(updater)
			deposit := pendingDeposit()
			deposit.Status = status
			_ = controller.Open(deposit)

			for _, target := range []domain.DepositStatus{domain.DepositStatusApproved, domain.DepositStatusRejected} {
				if controller.CanTransition(target) {
					t.Fatalf("expected %s to be disabled for %s record", target, status)
				}
				if err := controller.RequestTransition(context.Background(), target); !errors.Is(err, ErrNotPending) {
					t.Fatalf("expected ErrNotPending, got %v", err)
				}
			}
			if err := controller.EnterEdit(); !errors.Is(err, ErrNotPending) {
				t.Fatalf("expected ErrNotPending for edit, got %v", err)
			}
			if updater.callCount() != 0 {
				t.Fatalf("expected no remote calls, got %d", updater.callCount())
			}
			if view := controller.View(nil); view.Actions != nil {
				t.Fatalf("expected no actions for %s record", status)
			}
		})
	}

	controller := newTestController(&updaterStub{})
	_ = controller.Open(pendingDeposit())
	if !controller.CanTransition(domain.DepositStatusApproved) || !controller.CanTransition(domain.DepositStatusRejected) {
		t.Fatal("expected both transitions to be enabled for a pending record")
	}
	if controller.CanTransition(domain.DepositStatusPending) {
		t.Fatal("pending is not a transition target")
	}
}

func TestRequestTransitionRejectsUnsupportedTarget(t *testing.T) {
	updater := &updaterStub{}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	if err := controller.RequestTransition(context.Background(), domain.DepositStatusPending); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if updater.callCount() != 0 {
		t.Fatal("expected no remote call")
	}
}

func TestRequestTransitionOnClosedSession(t *testing.T) {
	controller := newTestController(&updaterStub{})
	if err := controller.RequestTransition(context.Background(), domain.DepositStatusApproved); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestOpenNilDepositRendersNothing(t *testing.T) {
	controller := newTestController(&updaterStub{})
	if err := controller.Open(nil); !errors.Is(err, ErrNoDeposit) {
		t.Fatalf("expected ErrNoDeposit, got %v", err)
	}
	if view := controller.View(nil); view.Visible {
		t.Fatal("expected invisible view")
	}
}

func TestOpenCopiesRecord(t *testing.T) {
	controller := newTestController(&updaterStub{})
	deposit := pendingDeposit()
	_ = controller.Open(deposit)

	deposit.Status = domain.DepositStatusApproved
	deposit.User.Email = "changed@x.com"

	state := controller.Snapshot()
	if state.Deposit.Status != domain.DepositStatusPending || state.Deposit.User.Email != "a@x.com" {
		t.Fatalf("session shares the caller's record: %+v", state.Deposit)
	}
}

func TestEnterEditThenExitEditWithCloseSignalsRefresh(t *testing.T) {
	host := &hostStub{}
	controller := newTestController(&updaterStub{}, WithHost(host))
	_ = controller.Open(pendingDeposit())

	if err := controller.EnterEdit(); err != nil {
		t.Fatalf("enter edit: %v", err)
	}
	if mode := controller.Snapshot().Mode; mode != domain.ReviewModeEditing {
		t.Fatalf("expected editing mode, got %s", mode)
	}

	if err := controller.ExitEdit(true); err != nil {
		t.Fatalf("exit edit: %v", err)
	}
	if controller.Snapshot().Open {
		t.Fatal("expected session to be closed")
	}
	signals := host.received()
	if len(signals) != 1 || !signals[0].Refresh || signals[0].DepositID != "d1" {
		t.Fatalf("expected one refresh signal, got %+v", signals)
	}
}

func TestExitEditWithoutCloseReturnsToViewing(t *testing.T) {
	host := &hostStub{}
	controller := newTestController(&updaterStub{}, WithHost(host))
	_ = controller.Open(pendingDeposit())
	_ = controller.EnterEdit()

	if err := controller.ExitEdit(false); err != nil {
		t.Fatalf("exit edit: %v", err)
	}
	state := controller.Snapshot()
	if !state.Open || state.Mode != domain.ReviewModeViewing {
		t.Fatalf("expected open viewing session, got %+v", state)
	}
	if len(host.received()) != 0 {
		t.Fatal("did not expect a host signal")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	host := &hostStub{}
	controller := newTestController(&updaterStub{}, WithHost(host))
	_ = controller.Open(pendingDeposit())

	controller.Close(true)
	controller.Close(true)

	if got := len(host.received()); got != 1 {
		t.Fatalf("expected a single close signal, got %d", got)
	}
}

func TestDismissBannerKeepsOutcomeUntilNextAttempt(t *testing.T) {
	updater := &updaterStub{resp: &depositclient.StatusUpdateResponse{Message: "Deposit approved"}}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	if view := controller.View(nil); view.Banner == nil || view.Banner.Severity != domain.BannerSeveritySuccess {
		t.Fatalf("expected success banner, got %+v", view.Banner)
	}

	if err := controller.DismissBanner(); err != nil {
		t.Fatalf("dismiss banner: %v", err)
	}
	if view := controller.View(nil); view.Banner != nil {
		t.Fatalf("expected dismissed banner to stay hidden, got %+v", view.Banner)
	}
	if got := controller.Snapshot().LastOutcome; got != domain.SuccessOutcome("Deposit approved") {
		t.Fatalf("dismissal must not clear the outcome, got %+v", got)
	}

	updater.err = &depositclient.ErrorResponse{StatusCode: http.StatusConflict, Message: "already approved"}
	updater.resp = nil
	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	view := controller.View(nil)
	if view.Banner == nil || view.Banner.Severity != domain.BannerSeverityDanger || view.Banner.Message != "already approved" {
		t.Fatalf("expected new failure banner, got %+v", view.Banner)
	}
}

func TestUpdaterPanicBecomesFailureOutcome(t *testing.T) {
	controller := newTestController(&updaterStub{panicValue: "nil map write"})
	_ = controller.Open(pendingDeposit())

	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	state := controller.Snapshot()
	if state.LastOutcome != domain.FailureOutcome(GenericFailureMessage) || state.PendingAction != domain.PendingActionNone {
		t.Fatalf("unexpected state after panic: %+v", state)
	}
}

func TestObserverReceivesCompletedTransitions(t *testing.T) {
	observer := &observerStub{}
	controller := newTestController(&updaterStub{resp: &depositclient.StatusUpdateResponse{Message: "ok"}}, WithObserver(observer))
	_ = controller.Open(pendingDeposit())

	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	if len(observer.completed) != 1 || observer.completed[0] != domain.SuccessOutcome("ok") {
		t.Fatalf("unexpected observed outcomes: %+v", observer.completed)
	}
}

func TestStaleRefetchNeverClosesReopenedSession(t *testing.T) {
	for i := 0; i < 200; i++ {
		host := &hostStub{}
		controller := newTestController(&updaterStub{}, WithHost(host))
		_ = controller.Open(pendingDeposit())
		_ = controller.EnterEdit()
		handoff, _ := controller.EditHandoff()

		var wg sync.WaitGroup
		var refetchErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			refetchErr = handoff.Refetch()
		}()
		go func() {
			defer wg.Done()
			_ = controller.Open(pendingDeposit())
		}()
		wg.Wait()

		if !controller.Snapshot().Open {
			t.Fatalf("iteration %d: stale refetch closed the re-opened session", i)
		}
		signals := len(host.received())
		if (refetchErr == nil && signals != 1) || (refetchErr != nil && signals != 0) {
			t.Fatalf("iteration %d: refetch err=%v with %d close signals", i, refetchErr, signals)
		}
	}
}

func TestCloseForGenerationIgnoresNewerSession(t *testing.T) {
	host := &hostStub{}
	controller := newTestController(&updaterStub{}, WithHost(host))
	_ = controller.Open(pendingDeposit())
	stale := controller.Snapshot().Generation
	_ = controller.Open(pendingDeposit())

	controller.mu.Lock()
	if controller.closeLocked(stale, true) {
		t.Fatal("expected close for a stale generation to be refused")
	}
	if !controller.Snapshot().Open || len(host.received()) != 0 {
		t.Fatal("newer session must stay open without signals")
	}

	controller.mu.Lock()
	if !controller.closeLocked(controller.generation, true) {
		t.Fatal("expected close for the current generation to succeed")
	}
	if len(host.received()) != 1 {
		t.Fatalf("expected one close signal, got %d", len(host.received()))
	}
}

func TestReserveHoldsSlotUntilReleased(t *testing.T) {
	updater := &updaterStub{}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	reservation, err := controller.Reserve(domain.DepositStatusApproved)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if state := controller.Snapshot(); state.PendingAction != domain.PendingActionApproving {
		t.Fatalf("expected approving while reserved, got %s", state.PendingAction)
	}
	if err := controller.RequestTransition(context.Background(), domain.DepositStatusRejected); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected ErrTransitionInFlight while reserved, got %v", err)
	}

	reservation.Release()
	if state := controller.Snapshot(); state.PendingAction != domain.PendingActionNone {
		t.Fatalf("expected slot to be free after release, got %s", state.PendingAction)
	}
	if err := reservation.Start(context.Background()); !errors.Is(err, ErrReservationUsed) {
		t.Fatalf("expected ErrReservationUsed after release, got %v", err)
	}
	if updater.callCount() != 0 {
		t.Fatalf("released reservation must not call the remote service, got %d calls", updater.callCount())
	}
}

func TestReservationKeepsPreviousOutcomeUntilStarted(t *testing.T) {
	updater := &updaterStub{err: &depositclient.ErrorResponse{StatusCode: http.StatusConflict, Message: "already processed"}}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())
	_ = controller.RequestTransition(context.Background(), domain.DepositStatusApproved)
	controller.Wait()

	reservation, err := controller.Reserve(domain.DepositStatusRejected)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reservation.Release()

	if got := controller.Snapshot().LastOutcome; got != domain.FailureOutcome("already processed") {
		t.Fatalf("released reservation must keep the last outcome, got %+v", got)
	}
}

func TestReservationFromClosedSessionDoesNotStart(t *testing.T) {
	updater := &updaterStub{}
	controller := newTestController(updater)
	_ = controller.Open(pendingDeposit())

	reservation, err := controller.Reserve(domain.DepositStatusApproved)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_ = controller.Open(pendingDeposit())

	if err := reservation.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	reservation.Release()
	if !controller.CanTransition(domain.DepositStatusApproved) {
		t.Fatal("stale reservation must not block the new session")
	}
	if updater.callCount() != 0 {
		t.Fatalf("expected no remote call, got %d", updater.callCount())
	}
}

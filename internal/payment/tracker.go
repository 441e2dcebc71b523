package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/platform/metrics"
	"idwallet/go-core/pkg/models"
)

var (
	ErrInvalidAmount   = errors.New("payment: amount must be positive")
	ErrInvalidCurrency = errors.New("payment: currency is required")
	ErrNoAccount       = errors.New("payment: profile has no account")
)

type State string

const (
	StatePending        State = "pending"
	StateClientRedirect State = "client_redirect"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// WalletProvider hands out the e-currency client of the live session.
type WalletProvider interface {
	Wallet() (extensions.WalletClient, error)
}

type Result struct {
	TransactionID string
	State         State
	Amount        float64
	Currency      string
	Message       string
}

// Transaction is one initiated payment. At most one exists per id.
type Transaction struct {
	ID        string
	ServiceID string
	Provider  string
	Amount    float64
	Currency  string
	CreatedAt time.Time
	Callbacks map[string]string

	mu     sync.Mutex
	state  State
	once   sync.Once
	done   chan struct{}
	result Result
}

func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) setState(s State) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

// redirect moves a pending transaction to ClientRedirect; a resolved one keeps its state.
func (tx *Transaction) redirect() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state.Terminal() {
		return false
	}
	tx.state = StateClientRedirect
	return true
}

func (tx *Transaction) finish(r Result) bool {
	finished := false
	tx.once.Do(func() {
		tx.setState(r.State)
		tx.result = r
		close(tx.done)
		finished = true
	})
	return finished
}

// Wait blocks until the transaction completes or fails, or ctx ends.
func (tx *Transaction) Wait(ctx context.Context) (Result, error) {
	select {
	case <-tx.done:
		return tx.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type Options struct {
	Wallet       WalletProvider
	Keys         extensions.KeyLoader
	Profile      contracts.Profile
	Dispatcher   contracts.UIDispatcher
	Hub          *app.NotificationHub
	Metrics      *metrics.Session
	Clock        clock.Clock
	Logger       *slog.Logger
	CallbackBase string
	CallbackTTL  time.Duration
	OnResolved   func(Result)
}

// Tracker keeps the active payment transactions and resolves them from
// e-currency events.
type Tracker struct {
	wallet       WalletProvider
	keys         extensions.KeyLoader
	profile      contracts.Profile
	dispatcher   contracts.UIDispatcher
	hub          *app.NotificationHub
	metrics      *metrics.Session
	clock        clock.Clock
	logger       *slog.Logger
	callbackBase string
	callbackTTL  time.Duration
	onResolved   func(Result)

	mu     sync.Mutex
	active map[string]*Transaction
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = app.NewNotificationHub(64, app.WithLogger(opts.Logger), app.WithClock(opts.Clock))
	}
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = DefaultCallbackTTL
	}
	if strings.TrimSpace(opts.CallbackBase) == "" {
		opts.CallbackBase = DefaultCallbackBase
	}
	return &Tracker{
		wallet:       opts.Wallet,
		keys:         opts.Keys,
		profile:      opts.Profile,
		dispatcher:   opts.Dispatcher,
		hub:          opts.Hub,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       opts.Logger,
		callbackBase: opts.CallbackBase,
		callbackTTL:  opts.CallbackTTL,
		onResolved:   opts.OnResolved,
		active:       make(map[string]*Transaction),
	}
}

// InitiatePayment signs the callback references, registers the transaction
// and submits it to the e-currency service. The transaction is registered
// before submission so an immediate redirect event finds it.
func (t *Tracker) InitiatePayment(ctx context.Context, serviceID, provider string, amount float64, currency string) (*Transaction, error) {
	if amount <= 0 {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrInvalidAmount)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrInvalidCurrency)
	}
	if t.wallet == nil {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionECurrency))
	}
	wallet, err := t.wallet.Wallet()
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Provider:  provider,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: t.clock.Now(),
		state:     StatePending,
		done:      make(chan struct{}),
	}
	tx.Callbacks, err = t.signCallbacks(tx.ID, tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.active[tx.ID] = tx
	n := len(t.active)
	t.mu.Unlock()
	t.metrics.PendingPayments(n)

	err = wallet.InitiatePayment(ctx, extensions.PaymentRequest{
		TransactionID: tx.ID,
		ServiceID:     serviceID,
		Provider:      provider,
		Amount:        amount,
		Currency:      currency,
		SuccessURL:    tx.Callbacks[PurposeSuccess],
		FailureURL:    tx.Callbacks[PurposeFailure],
		CancelURL:     tx.Callbacks[PurposeCancel],
	})
	if err != nil {
		t.remove(tx.ID)
		return nil, fmt.Errorf("initiate payment via %s: %w", serviceID, err)
	}
	t.logger.Info("payment initiated", "transaction_id", tx.ID, "service", serviceID, "currency", currency)
	return tx, nil
}

func (t *Tracker) signCallbacks(transactionID string, now time.Time) (map[string]string, error) {
	if t.keys == nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategorySecurity, contracts.ErrKeysUnavailable)
	}
	keys, err := t.keys.LoadKeys(false)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategorySecurity, fmt.Errorf("%w: %w", contracts.ErrKeysUnavailable, err))
	}
	var params models.ConnectionParameters
	if t.profile != nil {
		params = t.profile.Parameters()
	}
	if params.Account == "" {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryConfiguration, ErrNoAccount)
	}

	out := make(map[string]string, 3)
	for _, purpose := range []string{PurposeSuccess, PurposeFailure, PurposeCancel} {
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		token, err := EncodeSignedToken(Claims{
			TransactionID: transactionID,
			Issuer:        params.BareAddress(),
			Subject:       params.Account,
			Purpose:       purpose,
			IssuedAt:      now.UTC(),
			ExpiresAt:     now.Add(t.callbackTTL).UTC(),
			Nonce:         nonce,
			KeyID:         keys.ID,
		}, keys.PrivateKey)
		if err != nil {
			return nil, contracts.WrapCategorizedError(contracts.ErrorCategorySecurity, err)
		}
		out[purpose] = CallbackURL(t.callbackBase, purpose, token)
	}
	return out, nil
}

// VerifyCallback checks a callback deep link returned by the payment service
// and reports which transaction and outcome it refers to.
func (t *Tracker) VerifyCallback(rawURL string) (Claims, error) {
	purpose, token, err := ParseCallbackURL(rawURL)
	if err != nil {
		return Claims{}, err
	}
	if t.keys == nil {
		return Claims{}, contracts.ErrKeysUnavailable
	}
	keys, err := t.keys.LoadKeys(false)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", contracts.ErrKeysUnavailable, err)
	}
	var issuer string
	if t.profile != nil {
		issuer = t.profile.Parameters().BareAddress()
	}
	claims, err := Verifier{Issuer: issuer, PublicKey: keys.PublicKey, Now: t.clock.Now}.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Purpose != purpose {
		return Claims{}, ErrCallbackClaimsInvalid
	}
	return claims, nil
}

// HandleClientURL forwards the redirect of a known transaction to the UI.
func (t *Tracker) HandleClientURL(notice extensions.PaymentNotice) bool {
	tx, ok := t.lookup(notice.TransactionID)
	if !ok {
		t.logger.Warn("payment redirect for unknown transaction dropped", "transaction_id", notice.TransactionID)
		t.metrics.Dropped("payment_unknown")
		return false
	}
	if !tx.redirect() {
		t.logger.Debug("payment redirect after resolution ignored", "transaction_id", tx.ID)
		return false
	}
	if t.dispatcher != nil && notice.URL != "" {
		if err := t.dispatcher.OpenURL(notice.URL); err != nil {
			t.logger.Warn("open payment url failed", "transaction_id", tx.ID, "error", err.Error())
		}
	}
	t.hub.Publish(app.MethodPaymentRedirect, notice)
	return true
}

// Complete resolves a transaction as completed. Duplicate or unknown ids are no-ops.
func (t *Tracker) Complete(notice extensions.PaymentNotice) bool {
	return t.resolve(notice, StateCompleted)
}

// Fail resolves a transaction as failed. Duplicate or unknown ids are no-ops.
func (t *Tracker) Fail(notice extensions.PaymentNotice) bool {
	return t.resolve(notice, StateFailed)
}

func (t *Tracker) resolve(notice extensions.PaymentNotice, state State) bool {
	t.mu.Lock()
	tx, ok := t.active[notice.TransactionID]
	if ok {
		delete(t.active, notice.TransactionID)
	}
	n := len(t.active)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("payment outcome for inactive transaction ignored", "transaction_id", notice.TransactionID, "state", string(state))
		return false
	}
	t.metrics.PendingPayments(n)

	result := Result{
		TransactionID: tx.ID,
		State:         state,
		Amount:        notice.Amount,
		Currency:      notice.Currency,
		Message:       notice.Message,
	}
	if result.Currency == "" {
		result.Currency = tx.Currency
	}
	if !tx.finish(result) {
		return false
	}
	t.logger.Info("payment resolved", "transaction_id", tx.ID, "state", string(state))
	t.notifyResolved(result)
	t.hub.Publish(app.MethodPaymentResolved, result)
	return true
}

func (t *Tracker) notifyResolved(r Result) {
	if t.onResolved == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("payment resolution callback panicked", "transaction_id", r.TransactionID, "panic", rec)
		}
	}()
	t.onResolved(r)
}

// OnEvent consumes payment events from the extension set.
func (t *Tracker) OnEvent(ev extensions.Event) {
	switch ev.Kind {
	case extensions.EventPaymentClientURL, extensions.EventPaymentCompleted, extensions.EventPaymentFailed:
	default:
		return
	}
	notice, ok := ev.Payload.(extensions.PaymentNotice)
	if !ok {
		t.logger.Warn("payment event with unexpected payload", "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case extensions.EventPaymentClientURL:
		t.HandleClientURL(notice)
	case extensions.EventPaymentCompleted:
		t.Complete(notice)
	case extensions.EventPaymentFailed:
		t.Fail(notice)
	}
}

func (t *Tracker) Get(transactionID string) (*Transaction, bool) {
	return t.lookup(transactionID)
}

// Active lists the ids of unresolved transactions, oldest first.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	txs := make([]*Transaction, 0, len(t.active))
	for _, tx := range t.active {
		txs = append(txs, tx)
	}
	t.mu.Unlock()
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

func (t *Tracker) lookup(id string) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.active[id]
	return tx, ok
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	delete(t.active, id)
	n := len(t.active)
	t.mu.Unlock()
	t.metrics.PendingPayments(n)
}

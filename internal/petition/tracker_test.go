package petition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/platform/ratelimiter"
	"idwallet/go-core/pkg/models"
)

type fakeLegal struct {
	mu      sync.Mutex
	sent    []extensions.PetitionRequest
	answers []extensions.PetitionAnswer
	grants  []string
	sendErr error
	onSend  func(extensions.PetitionRequest)
}

func (f *fakeLegal) Extension() models.Extension { return models.ExtensionLegalIdentity }
func (f *fakeLegal) Address() string             { return "legal.example.org" }
func (f *fakeLegal) Dispose() error              { return nil }

func (f *fakeLegal) SendPetition(_ context.Context, req extensions.PetitionRequest) error {
	if f.onSend != nil {
		f.onSend(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeLegal) SendPetitionResponse(_ context.Context, answer extensions.PetitionAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeLegal) AuthorizeAccess(_ context.Context, objectID, remote string, allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if allow {
		f.grants = append(f.grants, objectID+"->"+remote)
	}
	return nil
}

type legalSource struct {
	client extensions.LegalIdentityClient
}

func (s legalSource) LegalIdentity() (extensions.LegalIdentityClient, error) {
	if s.client == nil {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionLegalIdentity))
	}
	return s.client, nil
}

func newTracker(legal *fakeLegal, limiter *ratelimiter.MapLimiter) (*Tracker, *app.NotificationHub) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := app.NewNotificationHub(32, app.WithLogger(logger))
	var src legalSource
	if legal != nil {
		src.client = legal
	}
	return New(Options{
		Legal:   src,
		Hub:     hub,
		Limiter: limiter,
		Clock:   clock.NewMock(),
		Logger:  logger,
	}), hub
}

func TestResponseResolvesOnlyTheMatchingPetition(t *testing.T) {
	tracker, hub := newTracker(&fakeLegal{}, nil)
	ctx := context.Background()

	var responses []extensions.PetitionResponse
	hub.Listen(app.MethodPetitionResponse(models.PetitionIdentity), func(ev app.NotificationEvent) {
		responses = append(responses, ev.Payload.(extensions.PetitionResponse))
	})

	x, err := tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "a@b", Purpose: "age check"})
	require.NoError(t, err)
	y, err := tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, PetitionID: "Y", Remote: "c@d"})
	require.NoError(t, err)

	assert.False(t, tracker.HandleResponse(extensions.PetitionResponse{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "c@d", Accepted: true}))
	assert.False(t, tracker.HandleResponse(extensions.PetitionResponse{Kind: models.PetitionContract, PetitionID: "X", Remote: "a@b", Accepted: true}))
	assert.True(t, tracker.HandleResponse(extensions.PetitionResponse{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "a@b/phone", Accepted: true, Payload: []byte("id")}))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	outcome, err := x.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, "age check", outcome.Record.Purpose)
	assert.Equal(t, []byte("id"), outcome.Payload)

	select {
	case <-y.Done():
		t.Fatal("unrelated petition was resolved")
	default:
	}
	pending := tracker.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Y", pending[0].PetitionID)
	require.Len(t, responses, 1)
	assert.Equal(t, "X", responses[0].PetitionID)

	assert.False(t, tracker.HandleResponse(extensions.PetitionResponse{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "a@b"}))
}

func TestSendGeneratesIdentifier(t *testing.T) {
	legal := &fakeLegal{}
	tracker, _ := newTracker(legal, nil)
	p, err := tracker.Send(context.Background(), extensions.PetitionRequest{Kind: models.PetitionSignature, Remote: "a@b"})
	require.NoError(t, err)
	assert.Len(t, p.PetitionID, 36)
	require.Len(t, legal.sent, 1)
	assert.Equal(t, p.PetitionID, legal.sent[0].PetitionID)
}

func TestResponseDuringSendIsMatched(t *testing.T) {
	legal := &fakeLegal{}
	tracker, _ := newTracker(legal, nil)
	legal.onSend = func(req extensions.PetitionRequest) {
		tracker.HandleResponse(extensions.PetitionResponse{Kind: req.Kind, PetitionID: req.PetitionID, Remote: req.Remote, Accepted: true})
	}
	p, err := tracker.Send(context.Background(), extensions.PetitionRequest{Kind: models.PetitionPeerReview, Remote: "a@b"})
	require.NoError(t, err)
	outcome, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
}

func TestSendFailureForgetsRecord(t *testing.T) {
	legal := &fakeLegal{sendErr: errors.New("stream closed")}
	tracker, _ := newTracker(legal, nil)
	_, err := tracker.Send(context.Background(), extensions.PetitionRequest{Kind: models.PetitionContract, PetitionID: "X", Remote: "a@b"})
	require.Error(t, err)
	assert.Empty(t, tracker.Pending())
}

func TestSendRejectsDuplicatesAndBadInput(t *testing.T) {
	tracker, _ := newTracker(&fakeLegal{}, nil)
	ctx := context.Background()
	_, err := tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "a@b"})
	require.NoError(t, err)

	_, err = tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, PetitionID: "X", Remote: "a@b"})
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = tracker.Send(ctx, extensions.PetitionRequest{Kind: "gossip", Remote: "a@b"})
	assert.ErrorIs(t, err, ErrInvalidKind)
	_, err = tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, Remote: " "})
	assert.ErrorIs(t, err, ErrMissingRemote)
}

func TestWithoutLegalServiceOperationsReportServiceNotAvailable(t *testing.T) {
	tracker, _ := newTracker(nil, nil)
	ctx := context.Background()
	_, err := tracker.Send(ctx, extensions.PetitionRequest{Kind: models.PetitionIdentity, Remote: "a@b"})
	require.ErrorIs(t, err, contracts.ErrServiceNotAvailable)
	err = tracker.Respond(ctx, models.PetitionIdentity, "X", "a@b", true)
	require.ErrorIs(t, err, contracts.ErrServiceNotAvailable)
}

func TestCancelResolvesAsDeclined(t *testing.T) {
	tracker, _ := newTracker(&fakeLegal{}, nil)
	p, err := tracker.Send(context.Background(), extensions.PetitionRequest{Kind: models.PetitionContract, PetitionID: "X", Remote: "a@b"})
	require.NoError(t, err)

	require.True(t, tracker.Cancel("X"))
	assert.False(t, tracker.Cancel("X"))
	outcome, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Declined)
	assert.False(t, tracker.HandleResponse(extensions.PetitionResponse{Kind: models.PetitionContract, PetitionID: "X", Remote: "a@b"}))
}

func TestWaitHonoursContext(t *testing.T) {
	tracker, _ := newTracker(&fakeLegal{}, nil)
	p, err := tracker.Send(context.Background(), extensions.PetitionRequest{Kind: models.PetitionIdentity, Remote: "a@b"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRespondEchoesCorrelation(t *testing.T) {
	legal := &fakeLegal{}
	tracker, _ := newTracker(legal, nil)
	ctx := context.Background()

	require.NoError(t, tracker.Respond(ctx, models.PetitionSignature, "P1", "a@b", false))
	require.NoError(t, tracker.GrantAndRespond(ctx, models.PetitionIdentity, "P2", "c@d", "legal-id-7"))
	require.ErrorIs(t, tracker.Respond(ctx, models.PetitionSignature, "", "a@b", true), ErrMissingID)

	require.Len(t, legal.answers, 2)
	assert.Equal(t, extensions.PetitionAnswer{Kind: models.PetitionSignature, PetitionID: "P1", Requestor: "a@b"}, legal.answers[0])
	assert.True(t, legal.answers[1].Accept)
	assert.Equal(t, "legal-id-7", legal.answers[1].ObjectID)
	assert.Equal(t, []string{"legal-id-7->c@d"}, legal.grants)
}

func TestReceivedPetitionsAreBroadcastAndThrottled(t *testing.T) {
	tracker, hub := newTracker(&fakeLegal{}, ratelimiter.New(0.01, 2, time.Minute))
	var received []extensions.PetitionReceived
	hub.Listen(app.MethodPetitionReceived(models.PetitionIdentity), func(ev app.NotificationEvent) {
		received = append(received, ev.Payload.(extensions.PetitionReceived))
	})

	ev := extensions.PetitionReceived{Kind: models.PetitionIdentity, PetitionID: "R1", Requestor: "spam@b", Purpose: "login"}
	tracker.OnEvent(extensions.Event{Kind: extensions.EventPetitionReceived, Payload: ev})
	tracker.OnEvent(extensions.Event{Kind: extensions.EventPetitionReceived, Payload: ev})
	tracker.OnEvent(extensions.Event{Kind: extensions.EventPetitionReceived, Payload: ev})
	tracker.OnEvent(extensions.Event{Kind: extensions.EventPetitionReceived, Payload: "garbage"})
	assert.False(t, tracker.HandleReceived(extensions.PetitionReceived{Kind: models.PetitionIdentity, Requestor: "a@b"}))

	require.Len(t, received, 2)
	assert.Equal(t, "login", received[0].Purpose)
	assert.Equal(t, "spam@b", received[0].Requestor)
}

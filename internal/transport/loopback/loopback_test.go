package loopback

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idwallet/go-core/internal/discovery"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/identity"
	"idwallet/go-core/internal/profilestore"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

type stateLog struct {
	mu     sync.Mutex
	states []transport.State
	errs   []error
}

func (l *stateLog) record(s transport.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *stateLog) snapshot() ([]transport.State, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.State(nil), l.states...), append([]error(nil), l.errs...)
}

func dial(t *testing.T, srv *Server, opts transport.Options) (*Client, *stateLog) {
	t.Helper()
	if opts.Domain == "" {
		opts.Domain = srv.Domain()
	}
	conn, err := srv.Dial(opts)
	require.NoError(t, err)
	c := conn.(*Client)
	log := &stateLog{}
	c.OnStateChanged(log.record)
	c.OnError(log.fail)
	t.Cleanup(func() { _ = c.Dispose() })
	return c, log
}

func connected(t *testing.T, srv *Server, account string) *Client {
	t.Helper()
	c, _ := dial(t, srv, transport.Options{Account: account})
	require.NoError(t, c.Connect(context.Background()))
	c.Flush()
	return c
}

func testKeys(t *testing.T) *identity.KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &identity.KeyPair{ID: "k1", PublicKey: pub, PrivateKey: priv}
}

type eventLog struct {
	mu     sync.Mutex
	events []extensions.Event
}

func (l *eventLog) add(ev extensions.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) list() []extensions.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]extensions.Event(nil), l.events...)
}

func build(t *testing.T, c *Client, ext models.Extension, address string) (extensions.Client, *eventLog) {
	t.Helper()
	spec := extensions.Spec{Extension: ext, Address: address}
	if ext == models.ExtensionLegalIdentity {
		spec.Keys = testKeys(t)
	}
	client, err := Constructors()[ext].New(c, spec)
	require.NoError(t, err)
	log := &eventLog{}
	if src, ok := client.(extensions.EventSource); ok {
		src.OnEvent(log.add)
	}
	return client, log
}

func TestConnectWalksNegotiationInOrder(t *testing.T) {
	srv := NewServer("example.org")
	c, log := dial(t, srv, transport.Options{Account: "alice"})

	require.NoError(t, c.Connect(context.Background()))
	c.Flush()

	states, errs := log.snapshot()
	assert.Equal(t, []transport.State{
		transport.StateConnecting,
		transport.StateStreamNegotiation,
		transport.StateStartingEncryption,
		transport.StateAuthenticating,
		transport.StateBinding,
		transport.StateFetchingRoster,
		transport.StateSettingPresence,
		transport.StateConnected,
	}, states)
	assert.Empty(t, errs)
	assert.True(t, srv.Connected("alice@example.org"))

	hash, method := c.CredentialHash()
	assert.Equal(t, srv.CredentialHash("alice"), hash)
	assert.Equal(t, transport.MechanismScramSHA256, method)
}

func TestDialRejectsForeignDomain(t *testing.T) {
	srv := NewServer("example.org")
	_, err := srv.Dial(transport.Options{Domain: "other.org", Account: "alice"})
	require.ErrorIs(t, err, ErrUnknownDomain)
}

func TestStrictPolicyRejectsWeakMechanism(t *testing.T) {
	srv := NewServer("example.org", WithMechanism(transport.MechanismPlain))
	c, log := dial(t, srv, transport.Options{Account: "alice"})

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoMechanism)
	c.Flush()

	states, errs := log.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, transport.StateError, states[len(states)-1])
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoMechanism)
	assert.False(t, srv.Connected("alice@example.org"))
}

func TestWrongCredentialHashFailsAuthentication(t *testing.T) {
	srv := NewServer("example.org")
	c, _ := dial(t, srv, transport.Options{Account: "alice", CredentialHash: "bogus", CredentialHashMethod: transport.MechanismScramSHA256})

	require.ErrorIs(t, c.Connect(context.Background()), ErrAuthFailed)
	assert.Equal(t, transport.StateError, c.State())
}

func TestStoredCredentialHashIsKept(t *testing.T) {
	srv := NewServer("example.org")
	stored := srv.CredentialHash("alice")
	c, _ := dial(t, srv, transport.Options{Account: "alice", CredentialHash: stored, CredentialHashMethod: transport.MechanismScramSHA256Plus})

	require.NoError(t, c.Connect(context.Background()))
	hash, method := c.CredentialHash()
	assert.Equal(t, stored, hash)
	assert.Equal(t, transport.MechanismScramSHA256Plus, method)
}

func TestDiscoveryRequiresConnection(t *testing.T) {
	srv := NewServer("example.org")
	c, _ := dial(t, srv, transport.Options{Account: "alice"})

	_, err := c.DiscoverItems(context.Background(), "example.org")
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDiscoveryCatalog(t *testing.T) {
	srv := NewServer("example.org")
	c := connected(t, srv, "alice")

	items, err := c.DiscoverItems(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Len(t, items, len(DefaultComponents("example.org")))

	root, err := c.DiscoverFeatures(context.Background(), "example.org")
	require.NoError(t, err)
	assert.True(t, root.HasFeature(discovery.NamespacePush))

	upload, err := c.DiscoverFeatures(context.Background(), "upload.example.org")
	require.NoError(t, err)
	assert.True(t, upload.HasFeature(discovery.NamespaceFileUpload))
	assert.Equal(t, "16777216", upload.Fields[discovery.FieldMaxFileSize])

	_, err = c.DiscoverFeatures(context.Background(), "nowhere.example.org")
	require.ErrorIs(t, err, transport.ErrItemNotFound)
}

func TestWithoutPushHidesRootFeature(t *testing.T) {
	srv := NewServer("example.org", WithoutPush())
	c := connected(t, srv, "alice")

	root, err := c.DiscoverFeatures(context.Background(), "example.org")
	require.NoError(t, err)
	assert.False(t, root.HasFeature(discovery.NamespacePush))
}

func TestEngineResolvesEveryMandatoryCapability(t *testing.T) {
	srv := NewServer("example.org")
	c := connected(t, srv, "alice")
	profile := profilestore.NewMemory(profilestore.Data{})

	complete, err := discovery.New(discovery.Options{}).Discover(context.Background(), c, profile)
	require.NoError(t, err)
	assert.True(t, complete)
	addrs := profile.Addresses()
	assert.Equal(t, "legal.example.org", addrs.Address(models.ExtensionLegalIdentity))
	assert.Equal(t, int64(DefaultMaxUploadSize), addrs.MaxUploadSize)
	assert.True(t, addrs.PushSupported)
}

func TestDropAnnouncesOffline(t *testing.T) {
	srv := NewServer("example.org")
	c, log := dial(t, srv, transport.Options{Account: "alice"})
	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, srv.Drop("Alice@Example.org/phone"))
	c.Flush()

	states, _ := log.snapshot()
	assert.Equal(t, transport.StateOffline, states[len(states)-1])
	assert.False(t, srv.Connected("alice@example.org"))
	assert.False(t, srv.Drop("alice@example.org"))
}

func TestReconnectSkipsOffline(t *testing.T) {
	srv := NewServer("example.org")
	c, log := dial(t, srv, transport.Options{Account: "alice"})
	require.NoError(t, c.Connect(context.Background()))
	c.Flush()
	before, _ := log.snapshot()

	require.NoError(t, c.Reconnect())
	c.Flush()

	after, _ := log.snapshot()
	added := after[len(before):]
	assert.NotContains(t, added, transport.StateOffline)
	assert.Equal(t, transport.StateConnected, added[len(added)-1])
}

func TestUnavailableServerRefusesAndDropsSessions(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")

	srv.SetAvailable(false)
	alice.Flush()
	assert.Equal(t, transport.StateOffline, alice.State())

	require.ErrorIs(t, alice.Reconnect(), ErrServerUnavailable)

	srv.SetAvailable(true)
	require.NoError(t, alice.Reconnect())
	assert.Equal(t, transport.StateConnected, alice.State())
}

func TestDisposedClientIsUnusable(t *testing.T) {
	srv := NewServer("example.org")
	c := connected(t, srv, "alice")

	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	assert.ErrorIs(t, c.Connect(context.Background()), transport.ErrDisposed)
	assert.False(t, srv.Connected("alice@example.org"))

	_, err := Constructors()[models.ExtensionSensor].New(c, extensions.Spec{Extension: models.ExtensionSensor})
	assert.ErrorIs(t, err, transport.ErrDisposed)
}

func TestLegalIdentityNeedsKeys(t *testing.T) {
	srv := NewServer("example.org")
	c := connected(t, srv, "alice")

	_, err := Constructors()[models.ExtensionLegalIdentity].New(c, extensions.Spec{
		Extension: models.ExtensionLegalIdentity,
		Address:   "legal.example.org",
	})
	require.ErrorIs(t, err, ErrNoSigningKeys)
}

func TestPetitionRoundTrip(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	bob := connected(t, srv, "bob")

	aliceLegal, aliceEvents := build(t, alice, models.ExtensionLegalIdentity, "legal.example.org")
	bobLegal, bobEvents := build(t, bob, models.ExtensionLegalIdentity, "legal.example.org")
	ctx := context.Background()

	require.NoError(t, aliceLegal.(extensions.LegalIdentityClient).SendPetition(ctx, extensions.PetitionRequest{
		Kind:       models.PetitionIdentity,
		PetitionID: "p-1",
		Remote:     "bob@example.org",
		ObjectID:   "id-bob",
		Purpose:    "age check",
	}))
	bob.Flush()

	received := bobEvents.list()
	require.Len(t, received, 1)
	assert.Equal(t, extensions.EventPetitionReceived, received[0].Kind)
	assert.Equal(t, models.ExtensionLegalIdentity, received[0].Extension)
	petition := received[0].Payload.(extensions.PetitionReceived)
	assert.Equal(t, "alice@example.org", petition.Requestor)
	assert.Equal(t, "age check", petition.Purpose)

	legal := bobLegal.(extensions.LegalIdentityClient)
	require.NoError(t, legal.AuthorizeAccess(ctx, "id-bob", petition.Requestor, true))
	assert.True(t, srv.Granted("id-bob", "alice@example.org"))
	require.NoError(t, legal.SendPetitionResponse(ctx, extensions.PetitionAnswer{
		Kind:       petition.Kind,
		PetitionID: petition.PetitionID,
		Requestor:  petition.Requestor,
		ObjectID:   "id-bob",
		Accept:     true,
	}))
	alice.Flush()

	answers := aliceEvents.list()
	require.Len(t, answers, 1)
	response := answers[0].Payload.(extensions.PetitionResponse)
	assert.Equal(t, "p-1", response.PetitionID)
	assert.Equal(t, "bob@example.org", response.Remote)
	assert.True(t, response.Accepted)
	assert.Equal(t, []byte("id-bob"), response.Payload)
}

func TestPetitionToOfflineRecipientFails(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	legal, _ := build(t, alice, models.ExtensionLegalIdentity, "legal.example.org")

	err := legal.(extensions.LegalIdentityClient).SendPetition(context.Background(), extensions.PetitionRequest{
		Kind: models.PetitionContract, PetitionID: "p-2", Remote: "carol@example.org",
	})
	require.ErrorIs(t, err, ErrRecipientOffline)
}

func TestDisposedExtensionStopsReceiving(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	bob := connected(t, srv, "bob")
	aliceLegal, _ := build(t, alice, models.ExtensionLegalIdentity, "legal.example.org")
	bobLegal, bobEvents := build(t, bob, models.ExtensionLegalIdentity, "legal.example.org")

	require.NoError(t, bobLegal.Dispose())
	err := aliceLegal.(extensions.LegalIdentityClient).SendPetition(context.Background(), extensions.PetitionRequest{
		Kind: models.PetitionSignature, PetitionID: "p-3", Remote: "bob@example.org",
	})
	require.Error(t, err)
	bob.Flush()
	assert.Empty(t, bobEvents.list())
}

func TestPaymentLifecycle(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	wallet, events := build(t, alice, models.ExtensionECurrency, "edaler.example.org")

	req := extensions.PaymentRequest{TransactionID: "tx-1", ServiceID: "svc", Provider: "card", Amount: 12.5, Currency: "EUR"}
	require.NoError(t, wallet.(extensions.WalletClient).InitiatePayment(context.Background(), req))
	alice.Flush()

	stored, ok := srv.PaymentRequest("tx-1")
	require.True(t, ok)
	assert.Equal(t, req, stored)

	require.NoError(t, srv.SettlePayment("tx-1", true, "ok"))
	require.ErrorIs(t, srv.SettlePayment("tx-1", true, "again"), ErrUnknownTransaction)
	alice.Flush()

	got := events.list()
	require.Len(t, got, 2)
	assert.Equal(t, extensions.EventPaymentClientURL, got[0].Kind)
	assert.Equal(t, srv.CheckoutURL("tx-1"), got[0].Payload.(extensions.PaymentNotice).URL)
	assert.Equal(t, extensions.EventPaymentCompleted, got[1].Kind)
	assert.Equal(t, "ok", got[1].Payload.(extensions.PaymentNotice).Message)

	err := wallet.(extensions.WalletClient).InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	err = wallet.(extensions.WalletClient).InitiatePayment(context.Background(), req)
	require.Error(t, err)
}

func TestBalanceAndContractPushes(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	_, walletEvents := build(t, alice, models.ExtensionECurrency, "edaler.example.org")
	_, legalEvents := build(t, alice, models.ExtensionLegalIdentity, "legal.example.org")

	require.NoError(t, srv.PushBalance("alice@example.org", 40, "EUR"))
	require.NoError(t, srv.PushContract("alice@example.org", "c-9"))
	alice.Flush()

	require.Len(t, walletEvents.list(), 1)
	assert.Equal(t, extensions.BalanceNotice{Wallet: "alice@example.org", Amount: 40, Currency: "EUR"}, walletEvents.list()[0].Payload)
	require.Len(t, legalEvents.list(), 1)
	assert.Equal(t, "c-9", legalEvents.list()[0].Key)
}

func TestPepItemsReachRegisteredHandlers(t *testing.T) {
	srv := NewServer("example.org")
	alice := connected(t, srv, "alice")
	bob := connected(t, srv, "bob")
	pep, _ := build(t, bob, models.ExtensionPersonalEventing, "")

	var mu sync.Mutex
	var got []extensions.PepItem
	pep.(extensions.PepClient).RegisterHandler("geo", 1, func(item extensions.PepItem) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, item)
	})

	assert.Equal(t, 1, srv.PublishPep(alice.BareAddress(), extensions.PepItem{Kind: "geo", ItemID: "i1"}))
	assert.Equal(t, 0, srv.PublishPep(alice.BareAddress(), extensions.PepItem{Kind: "mood"}))
	bob.Flush()

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "alice@example.org", got[0].Publisher)
	mu.Unlock()

	pep.(extensions.PepClient).UnregisterHandler("geo", 1)
	assert.Equal(t, 0, srv.PublishPep(alice.BareAddress(), extensions.PepItem{Kind: "geo"}))
}

func TestPanickingHandlerDoesNotStopQueue(t *testing.T) {
	srv := NewServer("example.org")
	c, log := dial(t, srv, transport.Options{Account: "alice"})
	c.OnStateChanged(func(s transport.State) {
		if s == transport.StateConnecting {
			panic("boom")
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	c.Flush()

	states, _ := log.snapshot()
	assert.Equal(t, transport.StateConnected, states[len(states)-1])
}

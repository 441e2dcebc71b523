package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

type fakeResolver struct {
	records []*net.SRV
	err     error
	asked   string
}

func (f *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	f.asked = "_" + service + "._" + proto + "." + name
	return "", f.records, f.err
}

func TestLookupPrefersLowestPriorityThenWeight(t *testing.T) {
	r := &fakeResolver{records: []*net.SRV{
		{Target: "backup.example.org.", Port: 5223, Priority: 20, Weight: 100},
		{Target: "light.example.org.", Port: 5222, Priority: 10, Weight: 5},
		{Target: "heavy.example.org.", Port: 5224, Priority: 10, Weight: 50},
	}}
	d := New(Options{Resolver: r, Online: func() bool { return true }})

	ep, err := d.Lookup(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "_xmpp-client._tcp.example.org", r.asked)
	assert.Equal(t, models.Endpoint{Host: "heavy.example.org", Port: 5224}, ep)
}

func TestLookupDetectsLiterals(t *testing.T) {
	r := &fakeResolver{records: []*net.SRV{{Target: "192.0.2.7.", Port: 5222}}}
	d := New(Options{Resolver: r})

	ep, err := d.Lookup(context.Background(), "example.org")
	require.NoError(t, err)
	assert.True(t, ep.Literal)

	ep, err = d.Lookup(context.Background(), "2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, models.Endpoint{Host: "2001:db8::1", Port: transport.DefaultPort, Literal: true}, ep)
}

func TestLookupFailures(t *testing.T) {
	d := New(Options{Resolver: &fakeResolver{err: errors.New("nxdomain")}})
	_, err := d.Lookup(context.Background(), "example.org")
	require.Error(t, err)

	d = New(Options{Resolver: &fakeResolver{records: []*net.SRV{{Target: "."}}}})
	_, err = d.Lookup(context.Background(), "example.org")
	require.ErrorIs(t, err, ErrNoRecords)

	_, err = d.Lookup(context.Background(), " ")
	require.Error(t, err)
}

func TestMultiaddrRendering(t *testing.T) {
	cases := []struct {
		ep   models.Endpoint
		want string
	}{
		{models.Endpoint{Host: "xmpp.example.org", Port: 5222}, "/dns/xmpp.example.org/tcp/5222"},
		{models.Endpoint{Host: "192.0.2.7", Port: 5223, Literal: true}, "/ip4/192.0.2.7/tcp/5223"},
		{models.Endpoint{Host: "[2001:db8::1]", Literal: true}, "/ip6/2001:db8::1/tcp/5222"},
	}
	for _, tc := range cases {
		addr, err := Multiaddr(tc.ep)
		require.NoError(t, err)
		assert.Equal(t, tc.want, addr.String())
	}
	_, err := Multiaddr(models.Endpoint{})
	assert.Error(t, err)
}

func TestIsOnlineUsesProbe(t *testing.T) {
	online := false
	d := New(Options{Online: func() bool { return online }})
	assert.False(t, d.IsOnline())
	online = true
	assert.True(t, d.IsOnline())
}

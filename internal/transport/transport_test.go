package transport

import "testing"

func TestStrictSecurityPolicyRejectsLegacyMechanisms(t *testing.T) {
	policy := StrictSecurityPolicy()
	if !policy.RequireEncryption {
		t.Fatal("strict policy must require encryption")
	}
	for _, mech := range []string{MechanismPlain, MechanismDigestMD5, MechanismCramMD5, MechanismScramSHA1} {
		if policy.Allows(mech) {
			t.Fatalf("expected %s to be rejected", mech)
		}
	}
	for _, mech := range []string{MechanismScramSHA256, "scram-sha-256-plus"} {
		if !policy.Allows(mech) {
			t.Fatalf("expected %s to be allowed", mech)
		}
	}
}

func TestSecurityPolicyLegacyNeedsExplicitFlag(t *testing.T) {
	policy := SecurityPolicy{AllowedMechanisms: []string{MechanismPlain}}
	if policy.Allows(MechanismPlain) {
		t.Fatal("PLAIN must stay disabled without AllowPlain")
	}
	policy.AllowPlain = true
	if !policy.Allows(MechanismPlain) {
		t.Fatal("PLAIN must be allowed once listed and enabled")
	}
}

func TestNormalizeOptionsAppliesDefaults(t *testing.T) {
	opts := NormalizeOptions(Options{Domain: " example.org "})
	if opts.Host != "example.org" {
		t.Fatalf("expected host to default to domain, got %q", opts.Host)
	}
	if opts.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, opts.Port)
	}
	if !opts.Security.RequireEncryption {
		t.Fatal("expected strict security by default")
	}
	if opts.Logger == nil {
		t.Fatal("expected logger default")
	}
}

func TestStateDown(t *testing.T) {
	cases := map[State]bool{
		StateOffline:        true,
		StateError:          true,
		StateConnecting:     false,
		StateAuthenticating: false,
		StateConnected:      false,
	}
	for state, want := range cases {
		if got := state.Down(); got != want {
			t.Fatalf("%s: expected Down()=%v, got %v", state, want, got)
		}
	}
}

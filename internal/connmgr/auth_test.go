package connmgr

import (
	"context"
	"testing"

	"connq/internal/transport"
)

func TestResolveChallenge(t *testing.T) {
	t.Parallel()

	store := newCredentialStore()
	store.setCredential(&transport.Credential{User: "store", Password: "s"}, "api.example")
	store.trust("self-signed.example", true)

	basic := func(host string, failures int) transport.Challenge {
		return transport.Challenge{
			Space:            transport.ProtectionSpace{Host: host, Method: transport.AuthBasic},
			PreviousFailures: failures,
		}
	}
	trust := func(host string) transport.Challenge {
		return transport.Challenge{Space: transport.ProtectionSpace{Host: host, Method: transport.AuthServerTrust}}
	}
	opCred := &transport.Credential{User: "op", Password: "o"}
	handlerAnswer := transport.Answer{Disposition: transport.UseCredential, Credential: &transport.Credential{User: "handler"}}

	cases := []struct {
		name     string
		policy   AuthPolicy
		ch       transport.Challenge
		wantDisp transport.Disposition
		wantUser string
		wantStep authStep
		failed   bool
	}{
		{
			name:     "predicate false short-circuits",
			policy:   AuthPolicy{CanAuthenticate: func(transport.ProtectionSpace) bool { return false }, Credential: opCred},
			ch:       basic("api.example", 0),
			wantDisp: transport.Reject,
			wantStep: authStepPredicate,
			failed:   true,
		},
		{
			name: "handler owns the challenge",
			policy: AuthPolicy{
				CanAuthenticate: func(transport.ProtectionSpace) bool { return true },
				Handler:         func(context.Context, transport.Challenge) transport.Answer { return handlerAnswer },
				Credential:      opCred,
			},
			ch:       basic("api.example", 0),
			wantDisp: transport.UseCredential,
			wantUser: "handler",
			wantStep: authStepHandler,
		},
		{
			name: "handler rejection fails",
			policy: AuthPolicy{Handler: func(context.Context, transport.Challenge) transport.Answer {
				return transport.Answer{Disposition: transport.Reject}
			}},
			ch:       basic("api.example", 0),
			wantDisp: transport.Reject,
			wantStep: authStepHandler,
			failed:   true,
		},
		{
			name:     "operation credential wins over store",
			policy:   AuthPolicy{Credential: opCred},
			ch:       basic("api.example", 0),
			wantDisp: transport.UseCredential,
			wantUser: "op",
			wantStep: authStepOperation,
		},
		{
			name:     "store credential by host",
			ch:       basic("API.example", 0),
			wantDisp: transport.UseCredential,
			wantUser: "store",
			wantStep: authStepManager,
		},
		{
			name:     "store skipped",
			policy:   AuthPolicy{SkipManagerStore: true},
			ch:       basic("api.example", 0),
			wantDisp: transport.Reject,
			wantStep: authStepExhausted,
			failed:   true,
		},
		{
			name:     "rejected credential is not retried",
			policy:   AuthPolicy{Credential: opCred},
			ch:       basic("api.example", 1),
			wantDisp: transport.Reject,
			wantStep: authStepExhausted,
			failed:   true,
		},
		{
			name:     "unknown host exhausts",
			ch:       basic("other.example", 0),
			wantDisp: transport.Reject,
			wantStep: authStepExhausted,
			failed:   true,
		},
		{
			name:     "operation trusts host",
			policy:   AuthPolicy{TrustHost: true},
			ch:       trust("evil.example"),
			wantDisp: transport.TrustServer,
			wantStep: authStepOperation,
		},
		{
			name:     "operation trusted host list",
			policy:   AuthPolicy{TrustedHosts: []string{" Internal.Example "}},
			ch:       trust("internal.example"),
			wantDisp: transport.TrustServer,
			wantStep: authStepOperation,
		},
		{
			name:     "manager trusted host",
			ch:       trust("self-signed.example"),
			wantDisp: transport.TrustServer,
			wantStep: authStepManager,
		},
		{
			name:     "untrusted server",
			ch:       trust("evil.example"),
			wantDisp: transport.Reject,
			wantStep: authStepExhausted,
			failed:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := resolveChallenge(context.Background(), tc.policy, store, tc.ch)
			if d.answer.Disposition != tc.wantDisp {
				t.Fatalf("disposition=%s, want %s", d.answer.Disposition, tc.wantDisp)
			}
			if d.step != tc.wantStep {
				t.Fatalf("step=%s, want %s", d.step, tc.wantStep)
			}
			if d.failed != tc.failed {
				t.Fatalf("failed=%v, want %v", d.failed, tc.failed)
			}
			if tc.wantUser != "" && (d.answer.Credential == nil || d.answer.Credential.User != tc.wantUser) {
				t.Fatalf("credential=%+v, want user %q", d.answer.Credential, tc.wantUser)
			}
		})
	}
}

func TestResolveChallengeNilStore(t *testing.T) {
	t.Parallel()

	d := resolveChallenge(context.Background(), AuthPolicy{}, nil,
		transport.Challenge{Space: transport.ProtectionSpace{Host: "h", Method: transport.AuthBasic}})
	if !d.failed {
		t.Fatalf("expected failure without any credential source")
	}
}

func TestTrustedHostsAccessors(t *testing.T) {
	t.Parallel()

	m := New(Config{TrustedHosts: []string{"B.example", "a.example", ""}}, nil)
	defer m.Close(context.Background())

	m.TrustHost("c.example")
	m.UntrustHost("b.example")
	got := m.TrustedHosts()
	if len(got) != 2 || got[0] != "a.example" || got[1] != "c.example" {
		t.Fatalf("trusted=%v", got)
	}
	m.SetTrustedHosts(nil)
	if len(m.TrustedHosts()) != 0 {
		t.Fatalf("trusted hosts not replaced")
	}
}

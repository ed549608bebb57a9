package connmgr

import (
	"context"
	"strings"

	"connq/internal/transport"
)

// AuthPolicy decides how an operation answers authentication challenges.
//
// Resolution is an ordered chain that stops at the first step that decides:
//
//  1. CanAuthenticate, when set, gates everything. false fails the operation.
//  2. Handler, when set, owns the challenge. Nothing below is consulted.
//  3. The operation's own Credential / TrustHost / TrustedHosts.
//  4. The manager's trusted hosts and credential store, unless SkipManagerStore.
//
// A challenge that nothing resolves, or one raised again after a credential
// was rejected, fails the operation with ErrAuthenticationFailed.
type AuthPolicy struct {
	CanAuthenticate func(space transport.ProtectionSpace) bool
	Handler         func(ctx context.Context, ch transport.Challenge) transport.Answer

	Credential   *transport.Credential
	TrustHost    bool
	TrustedHosts []string

	SkipManagerStore bool
}

func (p AuthPolicy) clone() AuthPolicy {
	cp := p
	if p.Credential != nil {
		c := *p.Credential
		cp.Credential = &c
	}
	if p.TrustedHosts != nil {
		cp.TrustedHosts = append([]string(nil), p.TrustedHosts...)
	}
	return cp
}

type authStep int

const (
	authStepPredicate authStep = iota
	authStepHandler
	authStepOperation
	authStepManager
	authStepExhausted
)

func (s authStep) String() string {
	switch s {
	case authStepPredicate:
		return "predicate"
	case authStepHandler:
		return "handler"
	case authStepOperation:
		return "operation"
	case authStepManager:
		return "manager"
	default:
		return "exhausted"
	}
}

type authDecision struct {
	answer transport.Answer
	step   authStep
	failed bool
}

func rejectAt(step authStep) authDecision {
	return authDecision{answer: transport.Answer{Disposition: transport.Reject}, step: step, failed: true}
}

// resolveChallenge runs the policy chain for one challenge. store may be nil.
func resolveChallenge(ctx context.Context, p AuthPolicy, store *credentialStore, ch transport.Challenge) authDecision {
	if p.CanAuthenticate != nil && !p.CanAuthenticate(ch.Space) {
		return rejectAt(authStepPredicate)
	}

	if p.Handler != nil {
		a := p.Handler(ctx, ch)
		return authDecision{answer: a, step: authStepHandler, failed: a.Disposition == transport.Reject}
	}

	host := strings.ToLower(ch.Space.Host)

	if ch.Space.Method == transport.AuthServerTrust {
		if p.TrustHost || hostListed(p.TrustedHosts, host) {
			return authDecision{answer: transport.Answer{Disposition: transport.TrustServer}, step: authStepOperation}
		}
		if !p.SkipManagerStore && store.isTrusted(host) {
			return authDecision{answer: transport.Answer{Disposition: transport.TrustServer}, step: authStepManager}
		}
		return rejectAt(authStepExhausted)
	}

	// The server already refused what we supplied.
	if ch.PreviousFailures > 0 {
		return rejectAt(authStepExhausted)
	}

	if !p.Credential.IsZero() {
		c := *p.Credential
		return authDecision{answer: transport.Answer{Disposition: transport.UseCredential, Credential: &c}, step: authStepOperation}
	}
	if !p.SkipManagerStore {
		if c, ok := store.credential(host); ok {
			return authDecision{answer: transport.Answer{Disposition: transport.UseCredential, Credential: &c}, step: authStepManager}
		}
	}
	return rejectAt(authStepExhausted)
}

func hostListed(hosts []string, host string) bool {
	for _, h := range hosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

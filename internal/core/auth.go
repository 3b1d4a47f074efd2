package core

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credential is a single digest identity the core can present when a
// downstream leg challenges a forked request.
type Credential struct {
	Username string
	Password string
}

// CredentialLookup resolves the credential to use for a given outbound
// target, or ok=false if this target has none configured and its
// challenge should be passed upstream unanswered.
type CredentialLookup func(target sip.Uri) (Credential, bool)

// DigestAuth is the default Auth collaborator, grounded verbatim on
// flowpbx-flowpbx/internal/sip/outbound.go's handleTrunkAuth: it parses
// the WWW-Authenticate/Proxy-Authenticate challenge with icholy/digest,
// computes the response against a looked-up credential, and returns a
// cloned request with Via stripped and the matching Authorization or
// Proxy-Authorization header attached. Generalized from a single
// hardcoded trunk credential to an arbitrary per-target lookup.
type DigestAuth struct {
	Lookup CredentialLookup
}

func NewDigestAuth(lookup CredentialLookup) *DigestAuth {
	return &DigestAuth{Lookup: lookup}
}

func (a *DigestAuth) Authorize(ctx context.Context, req *sip.Request, challenge *sip.Response) (*sip.Request, bool, error) {
	if a.Lookup == nil {
		return nil, false, nil
	}

	authHeaderName := "WWW-Authenticate"
	authzHeaderName := "Authorization"
	if challenge.StatusCode == 407 {
		authHeaderName = "Proxy-Authenticate"
		authzHeaderName = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeaderName)
	if wwwAuth == nil {
		return nil, false, fmt.Errorf("challenge %d carries no %s header", challenge.StatusCode, authHeaderName)
	}

	cred, ok := a.Lookup(req.Recipient)
	if !ok {
		return nil, false, nil
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, false, fmt.Errorf("parsing auth challenge: %w", err)
	}

	recipient := req.Recipient
	digestCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return nil, false, fmt.Errorf("computing digest: %w", err)
	}

	retry := req.Clone()
	retry.RemoveHeader("Via")
	retry.AppendHeader(sip.NewHeader(authzHeaderName, digestCred.String()))
	return retry, true, nil
}

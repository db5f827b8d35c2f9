// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ipcauth provides token based authentication and per client
// operation allow lists for event-stream servers, and the matching
// connect message for clients.
package ipcauth

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/eventstream/rpc"
	"github.com/juju/eventstream/rpc/eventstream"
)

var logger = loggo.GetLogger("eventstream.rpc.ipcauth")

// AnyOperation in an allow list permits every operation.
const AnyOperation = "*"

// Client is the identity of an authenticated client.
type Client struct {
	Name string
}

// IdentityLabel is part of the rpc.Identity interface.
func (c Client) IdentityLabel() string {
	return c.Name
}

// connectPayload is the body of a Connect message.
type connectPayload struct {
	AuthToken string `json:"authToken"`
}

// ConnectMessage returns a supplier sending token as the client's
// credentials.
func ConnectMessage(token string) rpc.ConnectMessageSupplier {
	return func() (eventstream.Headers, []byte, error) {
		payload, err := json.Marshal(connectPayload{AuthToken: token})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return nil, payload, nil
	}
}

// TokenAuthenticator accepts Connect messages carrying a known token.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator returns an authenticator for the given tokens,
// keyed by client name.
func NewTokenAuthenticator(tokens map[string]string) (*TokenAuthenticator, error) {
	byToken := make(map[string]string, len(tokens))
	for name, token := range tokens {
		if name == "" {
			return nil, errors.NotValidf("empty client name")
		}
		if token == "" {
			return nil, errors.NotValidf("empty token for client %q", name)
		}
		if other, ok := byToken[token]; ok {
			return nil, errors.NotValidf("token shared by clients %q and %q", other, name)
		}
		byToken[token] = name
	}
	return &TokenAuthenticator{tokens: byToken}, nil
}

// Authenticate is part of the rpc.Authenticator interface.
func (a *TokenAuthenticator) Authenticate(_ eventstream.Headers, payload []byte) (rpc.Identity, error) {
	var p connectPayload
	if len(payload) == 0 {
		return nil, errors.Unauthorizedf("missing auth token")
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Unauthorizedf("malformed connect payload")
	}
	if p.AuthToken == "" {
		return nil, errors.Unauthorizedf("missing auth token")
	}
	for token, name := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(p.AuthToken)) == 1 {
			logger.Debugf("authenticated client %q", name)
			return Client{Name: name}, nil
		}
	}
	return nil, errors.Unauthorizedf("invalid auth token")
}

// AllowList authorizes each client for a fixed set of operations.
type AllowList struct {
	allowed map[string]set.Strings
}

// NewAllowList returns an authorizer permitting each client, by name,
// the listed operations. AnyOperation permits everything.
func NewAllowList(operations map[string][]string) *AllowList {
	allowed := make(map[string]set.Strings, len(operations))
	for name, ops := range operations {
		allowed[name] = set.NewStrings(ops...)
	}
	return &AllowList{allowed: allowed}
}

// Authorize is part of the rpc.Authorizer interface.
func (a *AllowList) Authorize(identity rpc.Identity, operation string) error {
	if identity == nil {
		return errors.Unauthorizedf("no identity")
	}
	ops, ok := a.allowed[identity.IdentityLabel()]
	if ok && (ops.Contains(AnyOperation) || ops.Contains(operation)) {
		return nil
	}
	return errors.Unauthorizedf("%q may not call %q", identity.IdentityLabel(), operation)
}

var (
	_ rpc.Authenticator = (*TokenAuthenticator)(nil)
	_ rpc.Authorizer    = (*AllowList)(nil)
)

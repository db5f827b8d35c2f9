// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc/model"
)

// ServiceHandler is everything a server connection needs to serve a
// service: the model, a handler factory per operation, and the auth
// collaborators. It is immutable and shared by every connection.
type ServiceHandler struct {
	model         *model.ServiceModel
	factories     map[string]HandlerFactory
	authenticator Authenticator
	authorizer    Authorizer
}

// Model returns the service model being served.
func (s *ServiceHandler) Model() *model.ServiceModel {
	return s.model
}

func (s *ServiceHandler) factory(operation string) (HandlerFactory, bool) {
	f, ok := s.factories[operation]
	return f, ok
}

// ServiceHandlerBuilder assembles a ServiceHandler.
type ServiceHandlerBuilder struct {
	model         *model.ServiceModel
	factories     map[string]HandlerFactory
	authenticator Authenticator
	authorizer    Authorizer
}

// NewServiceHandlerBuilder returns a builder for a handler serving m.
func NewServiceHandlerBuilder(m *model.ServiceModel) *ServiceHandlerBuilder {
	return &ServiceHandlerBuilder{
		model:     m,
		factories: make(map[string]HandlerFactory),
	}
}

// SetOperationHandler registers the factory serving the named operation.
func (b *ServiceHandlerBuilder) SetOperationHandler(operation string, factory HandlerFactory) *ServiceHandlerBuilder {
	b.factories[operation] = factory
	return b
}

// SetAuthenticator sets the connection authenticator.
func (b *ServiceHandlerBuilder) SetAuthenticator(a Authenticator) *ServiceHandlerBuilder {
	b.authenticator = a
	return b
}

// SetAuthorizer sets the operation authorizer.
func (b *ServiceHandlerBuilder) SetAuthorizer(a Authorizer) *ServiceHandlerBuilder {
	b.authorizer = a
	return b
}

// Build checks that every operation of the model has a factory and that
// both auth collaborators are set.
func (b *ServiceHandlerBuilder) Build() (*ServiceHandler, error) {
	if b.model == nil {
		return nil, errors.NotValidf("missing ServiceModel")
	}
	if b.authenticator == nil {
		return nil, errors.NotValidf("missing Authenticator")
	}
	if b.authorizer == nil {
		return nil, errors.NotValidf("missing Authorizer")
	}
	operations := set.NewStrings(b.model.Operations()...)
	registered := set.NewStrings()
	for name, factory := range b.factories {
		if factory == nil {
			return nil, errors.NotValidf("nil handler for operation %q", name)
		}
		registered.Add(name)
	}
	if unknown := registered.Difference(operations); !unknown.IsEmpty() {
		return nil, errors.NotFoundf("operations %v in service %q", unknown.SortedValues(), b.model.Name())
	}
	if missing := operations.Difference(registered); !missing.IsEmpty() {
		return nil, errors.NotValidf("service %q without handlers for %v", b.model.Name(), missing.SortedValues())
	}
	factories := make(map[string]HandlerFactory, len(b.factories))
	for name, factory := range b.factories {
		factories[name] = factory
	}
	return &ServiceHandler{
		model:         b.model,
		factories:     factories,
		authenticator: b.authenticator,
		authorizer:    b.authorizer,
	}, nil
}

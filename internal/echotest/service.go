// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package echotest

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/eventstream/rpc"
)

var logger = loggo.GetLogger("eventstream.echotest")

// Catalog is the data returned by GetAllProducts and GetAllCustomers.
type Catalog struct {
	Products  map[string]Product
	Customers []Customer
}

// Register adds a handler for every operation of the service to b.
func Register(b *rpc.ServiceHandlerBuilder, catalog Catalog) *rpc.ServiceHandlerBuilder {
	return b.
		SetOperationHandler(EchoMessage, rpc.Unary(echoMessage)).
		SetOperationHandler(EchoStreamMessages, newEchoStreamHandler).
		SetOperationHandler(CauseServiceError, rpc.Unary(causeServiceError)).
		SetOperationHandler(CauseStreamServiceToError, newErrorStreamHandler).
		SetOperationHandler(GetAllProducts, rpc.Unary(
			func(context.Context, *GetAllProductsRequest) (*GetAllProductsResponse, error) {
				return &GetAllProductsResponse{Products: catalog.Products}, nil
			})).
		SetOperationHandler(GetAllCustomers, rpc.Unary(
			func(context.Context, *GetAllCustomersRequest) (*GetAllCustomersResponse, error) {
				return &GetAllCustomersResponse{Customers: catalog.Customers}, nil
			}))
}

// NewService returns the echo test service, authenticated and authorized
// by the given collaborators.
func NewService(catalog Catalog, authenticator rpc.Authenticator, authorizer rpc.Authorizer) (*rpc.ServiceHandler, error) {
	m, err := Model()
	if err != nil {
		return nil, errors.Trace(err)
	}
	service, err := Register(rpc.NewServiceHandlerBuilder(m), catalog).
		SetAuthenticator(authenticator).
		SetAuthorizer(authorizer).
		Build()
	return service, errors.Trace(err)
}

func echoMessage(_ context.Context, req *EchoMessageRequest) (*EchoMessageResponse, error) {
	return &EchoMessageResponse{Message: req.Message}, nil
}

func causeServiceError(context.Context, *CauseServiceErrorRequest) (*CauseServiceErrorResponse, error) {
	return nil, &ServiceError{Message: "Intentionally thrown ServiceError"}
}

// echoStreamHandler sends every event straight back, and closes the
// stream after echoing a message saying "close".
type echoStreamHandler struct {
	octx rpc.OperationContext
}

func newEchoStreamHandler(octx rpc.OperationContext) rpc.Handler {
	return &echoStreamHandler{octx: octx}
}

func (h *echoStreamHandler) HandleRequest(context.Context, any) (any, error) {
	return nil, nil
}

func (h *echoStreamHandler) HandleStreamEvent(_ context.Context, event any) error {
	h.octx.SendStreamEvent(event)
	if data, ok := event.(*MessageData); ok && data.StringMessage != nil &&
		strings.EqualFold(*data.StringMessage, "close") {
		h.octx.Close()
	}
	return nil
}

func (h *echoStreamHandler) OnContinuationClosed() {
	logger.Tracef("echo stream on connection %s closed", h.octx.ConnectionID())
}

func newErrorStreamHandler(rpc.OperationContext) rpc.Handler {
	return rpc.HandlerFuncs{
		Request: func(context.Context, any) (any, error) {
			return nil, nil
		},
		StreamEvent: func(context.Context, any) error {
			return &ServiceError{Message: "Intentionally caused ServiceError on stream"}
		},
	}
}

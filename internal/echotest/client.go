// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package echotest

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc"
)

// Client calls the echo test service over a connected client Conn.
type Client struct {
	conn *rpc.Conn
}

// NewClient returns a client using conn.
func NewClient(conn *rpc.Conn) *Client {
	return &Client{conn: conn}
}

// EchoMessage sends msg and returns what the service sent back.
func (c *Client) EchoMessage(ctx context.Context, msg *MessageData) (*MessageData, error) {
	resp, err := c.conn.Call(ctx, EchoMessage, &EchoMessageRequest{Message: msg})
	if err != nil {
		return nil, err
	}
	return resp.(*EchoMessageResponse).Message, nil
}

// CauseServiceError always fails with a *ServiceError.
func (c *Client) CauseServiceError(ctx context.Context) error {
	_, err := c.conn.Call(ctx, CauseServiceError, &CauseServiceErrorRequest{})
	return err
}

// GetAllProducts returns the product catalog.
func (c *Client) GetAllProducts(ctx context.Context) (map[string]Product, error) {
	resp, err := c.conn.Call(ctx, GetAllProducts, &GetAllProductsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.(*GetAllProductsResponse).Products, nil
}

// GetAllCustomers returns the customer list.
func (c *Client) GetAllCustomers(ctx context.Context) ([]Customer, error) {
	resp, err := c.conn.Call(ctx, GetAllCustomers, &GetAllCustomersRequest{})
	if err != nil {
		return nil, err
	}
	return resp.(*GetAllCustomersResponse).Customers, nil
}

// EchoStreamMessages opens a stream whose events are echoed back to
// handler. The returned continuation sends StreamingMessage values.
func (c *Client) EchoStreamMessages(ctx context.Context, handler rpc.StreamHandler) (*rpc.ClientContinuation, error) {
	cc, err := c.conn.Activate(ctx, EchoStreamMessages, nil, handler)
	return cc, errors.Trace(err)
}

// CauseStreamServiceToError opens a stream on which the service fails
// the first event it receives.
func (c *Client) CauseStreamServiceToError(ctx context.Context, handler rpc.StreamHandler) (*rpc.ClientContinuation, error) {
	cc, err := c.conn.Activate(ctx, CauseStreamServiceToError, nil, handler)
	return cc, errors.Trace(err)
}

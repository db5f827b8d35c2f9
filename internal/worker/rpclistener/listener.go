// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpclistener

import (
	"net"

	"github.com/juju/eventstream/rpc"
)

// TransportListener hands out transports for incoming connections.
// Accept must return an error once Close has been called.
type TransportListener interface {
	Accept() (rpc.Transport, error)
	Close() error
	Addr() net.Addr
}

// NetListener adapts a net.Listener, such as a unix or tcp socket, to a
// TransportListener.
func NetListener(l net.Listener) TransportListener {
	return netListener{l}
}

type netListener struct {
	net.Listener
}

// Accept is part of the TransportListener interface.
func (l netListener) Accept() (rpc.Transport, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func remoteAddr(t rpc.Transport) string {
	if r, ok := t.(interface{ RemoteAddr() net.Addr }); ok && r.RemoteAddr() != nil {
		return r.RemoteAddr().String()
	}
	return "unknown"
}

// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"net/netip"

	"github.com/bassosimone/runtimex"
)

// NewEndpointFunc returns a [Func] that always returns the given endpoint,
// the usual first step of a pipeline starting with [ConnectFunc].
//
// This function panics if the endpoint is not valid.
func NewEndpointFunc(endpoint netip.AddrPort) Func[Unit, netip.AddrPort] {
	runtimex.Assert(endpoint.IsValid())
	return ConstFunc(endpoint)
}

// NewParseEndpointFunc returns a [Func] parsing "addr:port" strings such
// as "127.0.0.1:445" or "[::1]:445". Host names are not resolved: parse
// errors have [KindTransport].
func NewParseEndpointFunc() Func[string, netip.AddrPort] {
	return FuncAdapter[string, netip.AddrPort](func(ctx context.Context, s string) (netip.AddrPort, error) {
		endpoint, err := netip.ParseAddrPort(s)
		if err != nil {
			return netip.AddrPort{}, newError(KindTransport, "endpoint", err)
		}
		return endpoint, nil
	})
}

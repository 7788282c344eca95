/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package networking

import (
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestGetFreePortNotEqual(t *testing.T) {
	t.Parallel()

	port1, err1 := GetFreePort("", logr.Discard())
	port2, err2 := GetFreePort("", logr.Discard())

	require.NoError(t, err1, "error1: %v", err1)
	require.NoError(t, err2, "error2: %v", err2)
	require.True(t, IsValidPort(int(port1)))

	require.NotEqual(t, port1, port2, "GetFreePort must not return the same port when called twice in immediate succession")
}

func TestCanGetFreePortForAllLocalIPs(t *testing.T) {
	t.Parallel()

	ips, err := net.LookupIP("localhost")
	require.NoError(t, err, "Could not get IP addresses for localhost")

	for _, ip := range ips {
		_, err := GetFreePort(ip.String(), logr.Discard())
		require.NoError(t, err, "Could not get free port for address %s", ip.String())
	}
}

func TestRecentlyUsedPortsAreNotReserved(t *testing.T) {
	t.Parallel()

	m := newMruPorts(mruPortParameters{
		recentPortLifetime:    200 * time.Millisecond,
		portAllocationTimeout: time.Second,
	})

	require.True(t, m.tryReserve("127.0.0.1:5678"))
	require.False(t, m.tryReserve("127.0.0.1:5678"))
	require.True(t, m.tryReserve("127.0.0.1:5679"))

	require.Eventually(t, func() bool {
		return m.tryReserve("127.0.0.1:5678")
	}, 2*time.Second, 50*time.Millisecond, "port should become available again after its lifetime expires")
}

func TestCheckPortAvailable(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	port := int32(listener.Addr().(*net.TCPAddr).Port)
	require.Error(t, CheckPortAvailable(Localhost, port))

	free, err := GetFreePort(Localhost, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, CheckPortAvailable(Localhost, free))
}

func TestAddressAndPort(t *testing.T) {
	t.Parallel()

	require.Equal(t, "127.0.0.1:80", AddressAndPort("127.0.0.1", 80))
	require.Equal(t, "[::1]:80", AddressAndPort("::1", 80))
}

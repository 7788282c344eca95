/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package networking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/osutil"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

const (
	Localhost = "127.0.0.1"
)

var (
	errPortRecentlyUsed = errors.New("the port was allocated recently")
)

// Parameters governing the most-recently-used ports list.
type mruPortParameters struct {
	// How long a recently allocated port is considered unavailable.
	// Note that a port will never be re-used if it is being *actively used* by a program running on the machine,
	// even if it has been allocated earlier than "lifetime" ago.
	recentPortLifetime time.Duration

	// How long are we willing to keep trying to allocate a port that was not allocated recently.
	portAllocationTimeout time.Duration
}

func defaultMruPortParameters() mruPortParameters {
	return mruPortParameters{
		recentPortLifetime:    osutil.EnvVarDurationValWithDefault("DCPDBG_MOST_RECENT_PORT_LIFETIME", 2*time.Minute),
		portAllocationTimeout: osutil.EnvVarDurationValWithDefault("DCPDBG_PORT_ALLOCATION_TIMEOUT", 1*time.Second),
	}
}

// Ports handed out recently by this program, with allocation timestamps.
// Debug targets take a while to start listening on the port they were given,
// and the OS is happy to hand the same ephemeral port to the next caller in the meantime.
type mruPorts struct {
	lock   *sync.Mutex
	ports  map[string]time.Time
	params mruPortParameters
}

func newMruPorts(params mruPortParameters) *mruPorts {
	return &mruPorts{
		lock:   &sync.Mutex{},
		ports:  make(map[string]time.Time),
		params: params,
	}
}

// Records the port as used, unless it was already used recently.
func (m *mruPorts) tryReserve(addressAndPort string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	for ap, allocated := range m.ports {
		if now.Sub(allocated) >= m.params.recentPortLifetime {
			delete(m.ports, ap)
		}
	}

	if _, used := m.ports[addressAndPort]; used {
		return false
	}
	m.ports[addressAndPort] = now
	return true
}

var (
	packageMruPorts = newMruPorts(defaultMruPortParameters())
)

// Gets a free TCP port for a given address (defaults to localhost).
// Even if this method is called twice in a row, it should not return the same port.
func GetFreePort(address string, log logr.Logger) (int32, error) {
	return packageMruPorts.getFreePort(address, log)
}

func (m *mruPorts) getFreePort(address string, log logr.Logger) (int32, error) {
	if address == "" {
		address = Localhost
	}

	var allocatedPort int32
	var listenErr error
	ctx := context.Background()
	allocErr := resiliency.RetryExponentialWithTimeout(ctx, m.params.portAllocationTimeout, func() error {
		port, portErr := doGetFreePort(address)
		if portErr != nil {
			listenErr = portErr
			return resiliency.Permanent(portErr)
		}
		if !m.tryReserve(AddressAndPort(address, port)) {
			return errPortRecentlyUsed
		}
		allocatedPort = port
		return nil
	})

	if allocErr == nil {
		return allocatedPort, nil
	}

	if listenErr == nil {
		// Best effort: the port is free right now, even if we handed it out not long ago.
		log.V(1).Info("warning: could not allocate a port that was not used recently, port conflicts may occur", "Address", address)
		return doGetFreePort(address)
	}

	return 0, fmt.Errorf("could not allocate a free port for address %s: %w", address, listenErr)
}

// Checks whether a TCP listener can be created on the given address and port.
func CheckPortAvailable(address string, port int32) error {
	if address == "" {
		address = Localhost
	}

	tcpaddr, err := net.ResolveTCPAddr("tcp", AddressAndPort(address, port))
	if err != nil {
		return err
	}

	if listener, listenErr := net.ListenTCP("tcp", tcpaddr); listenErr != nil {
		return listenErr
	} else {
		listener.Close()
		return nil
	}
}

func IsValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

func AddressAndPort(address string, port int32) string {
	return net.JoinHostPort(address, fmt.Sprintf("%d", port))
}

func doGetFreePort(address string) (int32, error) {
	tcpaddr, err := net.ResolveTCPAddr("tcp", AddressAndPort(address, 0))
	if err != nil {
		return 0, err
	}

	if listener, listenErr := net.ListenTCP("tcp", tcpaddr); listenErr != nil {
		return 0, listenErr
	} else {
		port := int32(listener.Addr().(*net.TCPAddr).Port)
		listener.Close()
		return port, nil
	}
}

// PortAllocator hands out free loopback TCP ports.
type PortAllocator struct {
	log logr.Logger
}

func NewPortAllocator(log logr.Logger) *PortAllocator {
	return &PortAllocator{log: log}
}

func (pa *PortAllocator) FindFreePort() (int32, error) {
	return GetFreePort(Localhost, pa.log)
}

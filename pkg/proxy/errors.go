/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package proxy

import (
	"errors"
)

var (
	// ErrInitializationTimeout is returned when the proxy does not report readiness in time.
	ErrInitializationTimeout = errors.New("Proxy initialization timeout")

	// ErrExitedBeforeInitialization is returned when the proxy process exits (or the handle is disposed)
	// before the initialization handshake completes.
	ErrExitedBeforeInitialization = errors.New("Proxy process exited before initialization")

	// ErrInitializationAlreadySettled is returned when waiting for initialization of a proxy
	// whose handshake has already failed.
	ErrInitializationAlreadySettled = errors.New("Initialization already completed or failed")

	// ErrKilledDuringInitialization is returned when the proxy is killed while the handshake is pending.
	ErrKilledDuringInitialization = errors.New("Process killed during initialization")

	// ErrProxyDisposed is the failure cause recorded when the handle is disposed before anyone waited for initialization.
	ErrProxyDisposed = errors.New("proxy process handle was disposed")
)

// IsHandshakeError returns true if the error indicates that the proxy initialization handshake failed.
func IsHandshakeError(err error) bool {
	return errors.Is(err, ErrInitializationTimeout) ||
		errors.Is(err, ErrExitedBeforeInitialization) ||
		errors.Is(err, ErrInitializationAlreadySettled) ||
		errors.Is(err, ErrKilledDuringInitialization) ||
		errors.Is(err, ErrProxyDisposed)
}

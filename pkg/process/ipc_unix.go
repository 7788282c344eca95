/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Creates a connected pair of sockets. The first one stays with the parent, the second one is passed to the child.
func newIPCSocketPair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create IPC socket pair: %w", err)
	}

	// The child end is duplicated into the child process by exec.Cmd, so neither end should leak into other children.
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	return os.NewFile(uintptr(fds[0]), "ipc-parent"), os.NewFile(uintptr(fds[1]), "ipc-child"), nil
}

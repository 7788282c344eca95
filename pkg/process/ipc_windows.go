/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package process

import (
	"errors"
	"os"
)

// TODO: Node.js uses named pipes for IPC on Windows; implement the same to support proxy processes there.
func newIPCSocketPair() (*os.File, *os.File, error) {
	return nil, nil, errors.New("IPC channels are not supported on Windows")
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"runtime"
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// Returns true if the current platform supports signalling whole process groups.
func SupportsProcessGroups() bool {
	return !IsWindows()
}

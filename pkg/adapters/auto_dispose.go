/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

type timerAction uint8

const (
	timerNone timerAction = iota
	timerArm
	timerCancel
)

func (a timerAction) String() string {
	switch a {
	case timerArm:
		return "arm"
	case timerCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Decides what happens to the auto-dispose timer of an adapter when the adapter enters a new state.
// An adapter that lost its debugger connection gets a grace period to reconnect before it is disposed.
func nextTimerAction(newState State) timerAction {
	switch newState {
	case StateDisconnected, StateError:
		return timerArm
	case StateConnected, StateDebugging:
		return timerCancel
	default:
		return timerNone
	}
}

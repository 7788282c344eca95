/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package proxy

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunHelperProcessIfRequested(map[string]testutil.HelperBehavior{
		"fake-proxy": fakeProxyScript,
		"crash":      func(_ []string) int { return 3 },
	})

	os.Exit(m.Run())
}

// Mimics a proxy script: reports its arguments and environment on "hello",
// reports readiness on "start", and exits on "exit".
func fakeProxyScript(args []string) int {
	ch, err := process.OpenParentChannel()
	if err != nil {
		return 2
	}

	done := make(chan int, 1)
	go ch.Receive(func(msg process.Message) {
		var cmd struct {
			Cmd string `json:"cmd"`
		}
		_ = msg.Decode(&cmd)

		switch cmd.Cmd {
		case "hello":
			_, nodeEnvFound := os.LookupEnv("NODE_ENV")
			_ = ch.Send(map[string]any{
				"type":         "hello",
				"args":         strings.Join(args, " "),
				"customVar":    os.Getenv("PROXY_CUSTOM_VAR"),
				"nodeEnvFound": nodeEnvFound,
			})
		case "start":
			_ = ch.Send(map[string]string{"type": "status", "status": StatusAdapterConfiguredAndLaunched})
		case "exit":
			done <- 0
		}
	}, nil)

	select {
	case code := <-done:
		return code
	case <-time.After(20 * time.Second):
		return 4
	}
}

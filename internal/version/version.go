/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const DevelopmentVersion = "dev"

// Set via -ldflags "-X" at build time.
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type Info struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion"`
	Platform   string     `json:"platform"`
}

func Version() Info {
	info := Info{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Version == "" {
		info.Version = DevelopmentVersion
	}

	if buildTime, ok := parseBuildTimestamp(BuildTimestamp); ok {
		info.BuildTime = &buildTime
	}

	// Development builds carry VCS information in the binary.
	if info.CommitHash == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range bi.Settings {
				if setting.Key == "vcs.revision" {
					info.CommitHash = setting.Value
				}
			}
		}
	}

	return info
}

// The timestamp is either Unix time (seconds) or RFC 3339 time.
func parseBuildTimestamp(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	if unixTime, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.Unix(unixTime, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	return time.Time{}, false
}

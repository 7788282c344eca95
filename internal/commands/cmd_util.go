/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/microsoft/dcpdbg/pkg/osutil"
)

func WithNewline(b []byte) []byte {
	if osutil.IsWindows() {
		b = append(b, '\r')
	}
	b = append(b, '\n')
	return b
}

type outputFormat string

const (
	outputFormatTable outputFormat = "table"
	outputFormatJSON  outputFormat = "json"
)

func (f *outputFormat) String() string {
	return string(*f)
}

func (f *outputFormat) Set(value string) error {
	switch outputFormat(value) {
	case outputFormatTable, outputFormatJSON:
		*f = outputFormat(value)
		return nil
	default:
		return fmt.Errorf("output format must be one of: %s, %s", outputFormatTable, outputFormatJSON)
	}
}

func (f *outputFormat) Type() string {
	return "format"
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize output: %w", err)
	}
	_, err = w.Write(WithNewline(b))
	return err
}

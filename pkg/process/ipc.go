/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

const (
	// Environment variables that tell a Node.js child process which file descriptor carries the IPC channel,
	// and how messages are serialized. Go children can use OpenParentChannel().
	NodeChannelFdEnvVar            = "NODE_CHANNEL_FD"
	NodeChannelSerializationEnvVar = "NODE_CHANNEL_SERIALIZATION_MODE"

	// The IPC channel is always passed as the first "extra" file, right after stdio.
	ipcChildFd = 3
)

var (
	ErrIPCNotAvailable = errors.New("the process was not started with an IPC channel")
	ErrIPCClosed       = errors.New("the IPC channel is closed")
)

// Message is a single message received over an IPC channel.
type Message struct {
	raw json.RawMessage
}

func NewMessage(raw []byte) Message {
	return Message{raw: json.RawMessage(bytes.Clone(raw))}
}

// Returns the JSON text of the message.
func (m Message) Raw() json.RawMessage {
	return m.raw
}

// Decodes the message into the passed value.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.raw, v)
}

// Returns the message decoded into generic JSON values (maps, slices, strings, float64, bool, or nil).
func (m Message) Value() any {
	var v any
	if err := json.Unmarshal(m.raw, &v); err != nil {
		return nil
	}
	return v
}

func (m Message) String() string {
	return string(m.raw)
}

// Channel is a bidirectional message channel carrying newline-delimited JSON,
// compatible with Node.js "json" serialization mode.
type Channel struct {
	conn      io.ReadWriteCloser
	writeLock *sync.Mutex
	closeOnce *sync.Once
	closeErr  error
}

func newChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:      conn,
		writeLock: &sync.Mutex{},
		closeOnce: &sync.Once{},
	}
}

// Opens the IPC channel created by the parent process (the channel file descriptor is taken from NODE_CHANNEL_FD).
func OpenParentChannel() (*Channel, error) {
	fdStr, found := os.LookupEnv(NodeChannelFdEnvVar)
	if !found {
		return nil, ErrIPCNotAvailable
	}

	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid IPC channel file descriptor '%s'", fdStr)
	}

	f := os.NewFile(uintptr(fd), "ipc")
	if f == nil {
		return nil, fmt.Errorf("IPC channel file descriptor %d is not valid", fd)
	}

	return newChannel(f), nil
}

// Sends a message. The message is serialized as a single line of JSON.
func (c *Channel) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not serialize IPC message: %w", err)
	}
	data = append(data, '\n')

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if _, err = c.conn.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrIPCClosed
		}
		return fmt.Errorf("could not write IPC message: %w", err)
	}

	return nil
}

// Reads messages until the channel is closed by the other side (or by Close()).
// Lines that are not valid JSON are reported via onError and skipped.
func (c *Channel) Receive(onMessage func(Message), onError func(error)) {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) > 0 {
			if json.Valid(line) {
				onMessage(NewMessage(line))
			} else if onError != nil {
				onError(fmt.Errorf("received invalid IPC message: %q", truncate(line, 200)))
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && onError != nil {
				onError(fmt.Errorf("could not read from IPC channel: %w", err))
			}
			return
		}
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

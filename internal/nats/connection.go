/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package nats

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Connection is the subset of *nats.Conn used by the publisher and the
// subscriber, for dependency injection.
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (c *ConnectionAdapter) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, cb)
}

// Close flushes pending publishes and closes the connection.
func (c *ConnectionAdapter) Close() {
	_ = c.conn.Flush()
	c.conn.Close()
}

// ConnectOptions tune Connect. Zero values select five attempts two seconds
// apart.
type ConnectOptions struct {
	Name       string
	Attempts   int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Connect dials url, retrying the initial connection. Once connected the
// client reconnects on its own.
func Connect(url string, opts ConnectOptions) (*ConnectionAdapter, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < opts.Attempts; i++ {
		nc, err = nats.Connect(url, natsOpts...)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to NATS", "attempt", i+1, "attempts", opts.Attempts, "error", err)
		if i < opts.Attempts-1 {
			time.Sleep(opts.RetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", opts.Attempts, err)
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrl())
	return NewConnectionAdapter(nc), nil
}

// Subjects are the NATS subjects of one stream.
type Subjects struct {
	State   string
	Glitch  string
	Control string
	Frames  string
}

// BroadcastControl reaches the control subscriber of every stream.
const BroadcastControl = "audio.broadcast.control"

// SubjectsFor returns the subjects of stream. The name must be a single
// subject token.
func SubjectsFor(stream string) (Subjects, error) {
	if stream == "" || stream == "broadcast" || strings.ContainsAny(stream, ".*> \t\r\n") {
		return Subjects{}, fmt.Errorf("invalid stream name %q for NATS subjects", stream)
	}
	prefix := "audio." + stream
	return Subjects{
		State:   prefix + ".state",
		Glitch:  prefix + ".glitch",
		Control: prefix + ".control",
		Frames:  prefix + ".frames",
	}, nil
}

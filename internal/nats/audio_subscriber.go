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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
	"github.com/nats-io/nats.go"
)

// DefaultCommandTimeout bounds how long a control message waits for the
// controller.
const DefaultCommandTimeout = 5 * time.Second

// ControlMessage is a command received on audio.<stream>.control.
// Stream overrides individual fields of the configured stream for "open".
type ControlMessage struct {
	Op     string          `json:"op"`
	Volume *float64        `json:"volume,omitempty"`
	Stream json.RawMessage `json:"stream,omitempty"`
}

// ControlReply is sent to the message's reply subject
type ControlReply struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Snapshot audio.Snapshot `json:"snapshot"`
}

// Commander runs control commands, normally an *audio.Controller.
type Commander interface {
	Do(ctx context.Context, cmd audio.Command) (audio.Snapshot, error)
}

// AudioSubscriber handles NATS control messages for one audio stream
type AudioSubscriber struct {
	natsConn  Connection
	stream    string
	subjects  Subjects
	commander Commander
	defaults  config.StreamSettings
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAudioSubscriber creates a control subscriber. defaults is the stream
// opened by an "open" command without overrides.
func NewAudioSubscriber(natsConn Connection, defaults config.StreamSettings, commander Commander, logger *slog.Logger) (*AudioSubscriber, error) {
	subjects, err := SubjectsFor(defaults.Name)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioSubscriber{
		natsConn:  natsConn,
		stream:    defaults.Name,
		subjects:  subjects,
		commander: commander,
		defaults:  defaults,
		timeout:   DefaultCommandTimeout,
		logger:    logger.With("component", "nats", "stream", defaults.Name),
	}, nil
}

// SetCommandTimeout changes the per-message controller timeout
func (as *AudioSubscriber) SetCommandTimeout(d time.Duration) {
	as.timeout = d
}

// Start begins listening for control messages
func (as *AudioSubscriber) Start() error {
	// Subscribe to stream-specific control topic
	_, err := as.natsConn.Subscribe(as.subjects.Control, as.handleControlMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", as.subjects.Control, err)
	}

	// Subscribe to broadcast control topic
	_, err = as.natsConn.Subscribe(BroadcastControl, as.handleControlMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", BroadcastControl, err)
	}

	as.logger.Info("subscribed to control topics", "topics", []string{as.subjects.Control, BroadcastControl})
	return nil
}

// handleControlMessage runs one command and replies when the sender asked
// for a reply.
func (as *AudioSubscriber) handleControlMessage(msg *nats.Msg) {
	cmd, err := as.decode(msg.Data)
	if err != nil {
		as.logger.Warn("rejected control message", "subject", msg.Subject, "error", err)
		as.reply(msg, audio.Snapshot{}, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), as.timeout)
	defer cancel()

	snap, err := as.commander.Do(ctx, cmd)
	if err != nil {
		as.logger.Warn("control command failed", "op", string(cmd.Op), "error", err)
	} else {
		as.logger.Info("control command applied", "op", string(cmd.Op), "state", snap.State.String())
	}
	as.reply(msg, snap, err)
}

func (as *AudioSubscriber) decode(data []byte) (audio.Command, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return audio.Command{}, fmt.Errorf("failed to unmarshal control message: %w", err)
	}
	op, err := audio.ParseOp(m.Op)
	if err != nil {
		return audio.Command{}, err
	}

	cmd := audio.Command{Op: op}
	switch op {
	case audio.OpVolume:
		if m.Volume == nil {
			return audio.Command{}, errors.New("volume command needs a volume")
		}
		cmd.Volume = *m.Volume
	case audio.OpOpen:
		settings := as.defaults
		settings.Flags = append([]string(nil), as.defaults.Flags...)
		if len(m.Stream) > 0 {
			if err := json.Unmarshal(m.Stream, &settings); err != nil {
				return audio.Command{}, fmt.Errorf("failed to unmarshal stream overrides: %w", err)
			}
		}
		cfg, err := settings.StreamConfig()
		if err != nil {
			return audio.Command{}, err
		}
		cmd.Config = cfg
	}
	return cmd, nil
}

func (as *AudioSubscriber) reply(msg *nats.Msg, snap audio.Snapshot, cmdErr error) {
	if msg.Reply == "" {
		return
	}
	r := ControlReply{OK: cmdErr == nil, Snapshot: snap}
	if cmdErr != nil {
		r.Error = cmdErr.Error()
	}
	data, err := json.Marshal(r)
	if err != nil {
		as.logger.Error("failed to encode control reply", "error", err)
		return
	}
	if err := as.natsConn.Publish(msg.Reply, data); err != nil {
		as.logger.Warn("failed to send control reply", "reply", msg.Reply, "error", err)
	}
}

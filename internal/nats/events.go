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
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
)

// StateMessage is published on audio.<stream>.state
type StateMessage struct {
	Stream string      `json:"stream"`
	From   audio.State `json:"from"`
	To     audio.State `json:"to"`
	Reason string      `json:"reason,omitempty"`
	Time   time.Time   `json:"time"`
}

// GlitchMessage is published on audio.<stream>.glitch
type GlitchMessage struct {
	Stream       string           `json:"stream"`
	Kind         audio.GlitchKind `json:"kind"`
	Cycle        uint64           `json:"cycle"`
	StreamTimeMS float64          `json:"stream_time_ms"`
	Status       string           `json:"status,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// EventPublisher forwards stream reports to NATS. It implements
// audio.Observer; publish failures are logged and dropped.
type EventPublisher struct {
	conn     Connection
	stream   string
	subjects Subjects
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher for stream on conn
func NewEventPublisher(conn Connection, stream string, logger *slog.Logger) (*EventPublisher, error) {
	subjects, err := SubjectsFor(stream)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		conn:     conn,
		stream:   stream,
		subjects: subjects,
		logger:   logger.With("component", "nats", "stream", stream),
	}, nil
}

// StateChanged implements audio.Observer
func (p *EventPublisher) StateChanged(ev audio.StateEvent) {
	msg := StateMessage{Stream: p.stream, From: ev.From, To: ev.To, Time: ev.Time}
	if ev.Reason != nil {
		msg.Reason = ev.Reason.Error()
	}
	p.publish(p.subjects.State, msg)
}

// Glitch implements audio.Observer
func (p *EventPublisher) Glitch(g audio.Glitch) {
	msg := GlitchMessage{
		Stream:       p.stream,
		Kind:         g.Kind,
		Cycle:        g.Cycle,
		StreamTimeMS: float64(g.StreamTime) / float64(time.Millisecond),
	}
	if g.Status != 0 {
		msg.Status = g.Status.String()
	}
	if g.Err != nil {
		msg.Error = g.Err.Error()
	}
	p.publish(p.subjects.Glitch, msg)
}

func (p *EventPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode event", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

// LogEvent is the broadcast event name carrying forwarded log records.
const LogEvent = "log"

// LogRecord is a single forwarded log line.
type LogRecord struct {
	Level  int      `msgpack:"level" json:"level"`
	Name   string   `msgpack:"name,omitempty" json:"name,omitempty"`
	Msg    string   `msgpack:"msg" json:"msg"`
	Error  string   `msgpack:"error,omitempty" json:"error,omitempty"`
	Values []string `msgpack:"values,omitempty" json:"values,omitempty"`
}

// Broadcaster sends an event to every connected peer. *Server implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, args ...any) error
}

// NewBroadcastLogger returns a logger whose records are broadcast as LogEvent events. Records more verbose than
// verbosity are discarded.
func NewBroadcastLogger(b Broadcaster, verbosity int) logr.Logger {
	return logr.New(&BroadcastSink{broadcaster: b, verbosity: verbosity})
}

// BroadcastSink is a logr.LogSink forwarding records from a worker to whoever is connected to it.
// Values are flattened to strings so any key/value pair survives the codec.
type BroadcastSink struct {
	broadcaster Broadcaster
	verbosity   int
	name        string
	values      []string
}

var _ logr.LogSink = &BroadcastSink{}

func (s *BroadcastSink) Init(logr.RuntimeInfo) {}

func (s *BroadcastSink) Enabled(level int) bool {
	return level <= s.verbosity
}

func (s *BroadcastSink) Info(level int, msg string, keysAndValues ...any) {
	s.emit(LogRecord{Level: level, Msg: msg}, keysAndValues)
}

func (s *BroadcastSink) Error(err error, msg string, keysAndValues ...any) {
	rec := LogRecord{Msg: msg}
	if err != nil {
		rec.Error = err.Error()
	}
	s.emit(rec, keysAndValues)
}

func (s *BroadcastSink) WithValues(keysAndValues ...any) logr.LogSink {
	out := *s
	out.values = append(append([]string(nil), s.values...), flatten(keysAndValues)...)
	return &out
}

func (s *BroadcastSink) WithName(name string) logr.LogSink {
	out := *s
	if out.name == "" {
		out.name = name
	} else {
		out.name = out.name + "/" + name
	}
	return &out
}

func (s *BroadcastSink) emit(rec LogRecord, keysAndValues []any) {
	rec.Name = s.name
	rec.Values = append(append([]string(nil), s.values...), flatten(keysAndValues)...)
	// Forwarding is best effort: a failure here must not turn into another log record.
	_ = s.broadcaster.Broadcast(context.Background(), LogEvent, rec)
}

func flatten(keysAndValues []any) []string {
	out := make([]string, 0, len(keysAndValues)+len(keysAndValues)%2)
	for _, kv := range keysAndValues {
		out = append(out, fmt.Sprint(kv))
	}
	if len(out)%2 == 1 {
		out = append(out, "<missing>")
	}
	return out
}

// ForwardLogs relays LogEvent events from sub into logger until the subscription ends or ctx is done. Other events
// are ignored.
func ForwardLogs(ctx context.Context, sub *Subscription, logger logr.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Name != LogEvent || ev.Args.Len() == 0 {
				continue
			}
			var rec LogRecord
			if err := ev.Args.Decode(0, &rec); err != nil {
				logger.V(logutil.DEBUG).Info("Dropping undecodable log record", "error", err)
				continue
			}
			l := logger
			if rec.Name != "" {
				l = l.WithName(rec.Name)
			}
			kvs := make([]any, len(rec.Values))
			for i, v := range rec.Values {
				kvs[i] = v
			}
			if rec.Error != "" {
				l.Error(errors.New(rec.Error), rec.Msg, kvs...)
				continue
			}
			l.V(rec.Level).Info(rec.Msg, kvs...)
		}
	}
}

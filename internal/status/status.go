// Package status delivers human-readable progress text to the host UI.
//
// Delivery is best effort: a sink that fails or panics is logged and
// ignored, and callers never see an error.
package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/config"
)

// Channel is the event name the host UI listens on
const Channel = "soze.comfydeploy.status"

// Event is one status update for a node
type Event struct {
	NodeID     string `json:"node_id"`
	StatusText string `json:"status_text"`
}

// Sink delivers status events somewhere. Errors are allowed; BestEffort
// discards them.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter reports status text for one node. Emit never fails.
type Emitter interface {
	Emit(ctx context.Context, text string)
}

// BestEffort fans events out to sinks and swallows every failure
type BestEffort struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *logrus.Logger
}

// NewBestEffort creates a reporter over the given sinks
func NewBestEffort(logger *logrus.Logger, sinks ...Sink) *BestEffort {
	if logger == nil {
		logger = config.NewLogger()
	}
	return &BestEffort{sinks: sinks, logger: logger}
}

// AddSink registers another sink
func (b *BestEffort) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Report publishes ev to every sink. Failures are logged at debug level.
func (b *BestEffort) Report(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := publishSafely(ctx, s, ev); err != nil {
			b.logger.WithError(err).WithField("node_id", ev.NodeID).Debug("Status report dropped")
		}
	}
}

// For binds the reporter to a node id
func (b *BestEffort) For(nodeID string) Emitter {
	if b == nil {
		return Nop()
	}
	return nodeEmitter{reporter: b, nodeID: nodeID}
}

func publishSafely(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status sink panicked: %v", r)
		}
	}()
	return s.Publish(ctx, ev)
}

type nodeEmitter struct {
	reporter *BestEffort
	nodeID   string
}

func (e nodeEmitter) Emit(ctx context.Context, text string) {
	e.reporter.Report(ctx, Event{NodeID: e.nodeID, StatusText: text})
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string) {}

// Nop returns an emitter that drops everything
func Nop() Emitter { return nopEmitter{} }

// LogSink writes status events to a logrus logger
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = config.NewLogger()
	}
	return &LogSink{logger: logger}
}

// Publish logs the event
func (s *LogSink) Publish(_ context.Context, ev Event) error {
	s.logger.WithFields(logrus.Fields{
		"node_id": ev.NodeID,
		"channel": Channel,
	}).Info(ev.StatusText)
	return nil
}

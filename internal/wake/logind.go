package wake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	logindPath      = "/org/freedesktop/login1"
	logindInterface = "org.freedesktop.login1.Manager"
	prepareForSleep = "PrepareForSleep"
)

// signalConn is the part of *dbus.Conn the logind source needs.
type signalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// LogindSource emits an event whenever systemd-logind reports the host
// resumed from suspend (PrepareForSleep with false).
type LogindSource struct {
	dial   func() (signalConn, error)
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	conn    signalConn
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLogindSource creates a source that connects to the system bus on Subscribe.
func NewLogindSource(logger *zap.Logger) *LogindSource {
	return &LogindSource{
		dial: func() (signalConn, error) {
			return dbus.ConnectSystemBus()
		},
		logger: logger,
		now:    time.Now,
	}
}

func (s *LogindSource) Name() string { return "logind" }

// Subscribe connects to the system bus and starts forwarding resume signals.
func (s *LogindSource) Subscribe(_ context.Context, publish PublishFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errors.New("logind source already subscribed")
	}

	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		conn.Close()
		return fmt.Errorf("match %s signal: %w", prepareForSleep, err)
	}

	s.conn = conn
	s.signals = make(chan *dbus.Signal, 8)
	s.done = make(chan struct{})
	conn.Signal(s.signals)

	s.wg.Add(1)
	go s.forward(s.signals, s.done, publish)

	s.logger.Info("listening for logind resume signals")
	return nil
}

// Unsubscribe stops forwarding and closes the bus connection.
func (s *LogindSource) Unsubscribe() {
	s.mu.Lock()
	conn, signals, done := s.conn, s.signals, s.done
	s.conn, s.signals, s.done = nil, nil, nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.RemoveSignal(signals)
	close(done)
	s.wg.Wait()
	if err := conn.Close(); err != nil {
		s.logger.Debug("close system bus", zap.Error(err))
	}
}

func (s *LogindSource) forward(signals <-chan *dbus.Signal, done <-chan struct{}, publish PublishFunc) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if isResume(sig) {
				s.logger.Info("host resumed from sleep")
				publish(Event{Source: s.Name(), At: s.now()})
			}
		}
	}
}

// isResume reports whether sig is PrepareForSleep(false).
func isResume(sig *dbus.Signal) bool {
	if sig == nil || sig.Name != logindInterface+"."+prepareForSleep || len(sig.Body) != 1 {
		return false
	}
	sleeping, ok := sig.Body[0].(bool)
	return ok && !sleeping
}

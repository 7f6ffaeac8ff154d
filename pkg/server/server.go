// Package server implements the top-level lifecycle object a process
// embeds, owning a set of channels and driving them through
// stopped→starting→running→stopping→stopped, grounded in the endless
// graceful-restart pattern's state machine (STATE_INIT/RUNNING/
// SHUTTING_DOWN/TERMINATE) reduced to a single-process, non-forking model.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httpchannel/pkg/channel"
	"github.com/WhileEndless/httpchannel/pkg/constants"
)

// State is the server's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Error kinds the server's lifecycle methods can return.
var (
	ErrNoChannels      = fmt.Errorf("httpchannel: server has no channels registered")
	ErrUnexpectedState = fmt.Errorf("httpchannel: server is in an unexpected state for this operation")
)

// Server is a mutex-guarded lifecycle state machine wrapping zero or
// more Channels, with condition-variable-style waiters for "became running"
// and "became stopped".
type Server struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	channels []*channel.Channel
	drain    time.Duration
	log      *logrus.Entry
}

// New builds a Server with no channels registered yet.
func New(log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{state: StateStopped, drain: constants.DefaultStopDrain, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddChannel registers ch to be started/stopped with the server. Adding a
// channel that is already registered is a no-op. If the server is stopped,
// ch joins the roster and starts with the rest on the next Start. If the
// server is already running, ch is started immediately and joins the roster
// only on success. Any other state is rejected.
func (s *Server) AddChannel(ch *channel.Channel) error {
	s.mu.Lock()
	state := s.state
	if state != StateStopped && state != StateRunning {
		s.mu.Unlock()
		return ErrUnexpectedState
	}
	for _, existing := range s.channels {
		if existing == ch {
			s.mu.Unlock()
			return nil
		}
	}
	if state == StateStopped {
		s.channels = append(s.channels, ch)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := ch.Start(); err != nil {
		return fmt.Errorf("httpchannel: starting channel: %w", err)
	}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return nil
}

// Start transitions stopped→starting→running, starting every registered
// channel. If any channel fails to start, the ones already started are
// stopped and the server returns to stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrUnexpectedState
	}
	if len(s.channels) == 0 {
		s.mu.Unlock()
		return ErrNoChannels
	}
	s.state = StateStarting
	channels := append([]*channel.Channel(nil), s.channels...)
	s.mu.Unlock()

	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
		started   []*channel.Channel
		firstErr  error
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(c *channel.Channel) {
			defer wg.Done()
			if err := c.Start(); err != nil {
				resultsMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				resultsMu.Unlock()
				return
			}
			resultsMu.Lock()
			started = append(started, c)
			resultsMu.Unlock()
		}(ch)
	}
	wg.Wait()

	if firstErr != nil {
		for _, ch := range started {
			ch.Stop(0)
		}
		s.mu.Lock()
		s.state = StateStopped
		s.cond.Broadcast()
		s.mu.Unlock()
		return fmt.Errorf("httpchannel: starting channel: %w", firstErr)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.log != nil {
		s.log.WithField("channels", len(channels)).Info("server running")
	}
	return nil
}

// Stop transitions running→stopping→stopped, stopping every channel and
// waiting up to the server's drain duration for in-flight connections.
// It tolerates any state: stopping an already-stopped server is a no-op,
// and concurrent callers all block until the same terminal stopped state.
func (s *Server) Stop() error {
	s.mu.Lock()
	for s.state == StateStarting || s.state == StateStopping {
		s.cond.Wait()
	}
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	channels := append([]*channel.Channel(nil), s.channels...)
	drain := s.drain
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c *channel.Channel) {
			defer wg.Done()
			c.Stop(drain)
		}(ch)
	}
	wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("server stopped")
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitWhileStarting blocks until the server leaves StateStarting.
func (s *Server) WaitWhileStarting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state == StateStarting {
		s.cond.Wait()
	}
}

// WaitUntilStopped blocks until the server reaches StateStopped.
func (s *Server) WaitUntilStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state != StateStopped {
		s.cond.Wait()
	}
}

// SetDrainTimeout overrides the default drain duration Stop waits for
// in-flight connections. Connections still open when it runs out are not
// severed; they end through their own idle timeout or request quota.
func (s *Server) SetDrainTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drain = d
}

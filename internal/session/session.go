// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cocaine/cocaine-core/internal/protocol"
)

// ErrNotConnected is returned by operations attempted after Detach.
var ErrNotConnected = errors.New("session: not connected")

// outbound is one queued write: a pre-encoded frame ready for the wire.
type outbound struct {
	buf []byte
}

// Session owns one transport connection, a monotonically increasing
// channel id counter, and the set of channels currently multiplexed
// over it (spec §4.C). All mutating operations on the channel table
// take the session's single mutex; the reader and writer run on their
// own goroutines (one reactor task per direction), matching the
// teacher's split of a dedicated reader goroutine from a ticker-driven
// writer in ControlChannel.pingLoop.
type Session struct {
	transport io.ReadWriteCloser
	prototype func() Dispatch
	logger    *slog.Logger

	mu          sync.Mutex
	nextChannel uint64
	maxSeen     uint64
	channels    map[uint64]*channel
	detached    bool
	detachErr   error

	writeQueue chan outbound
	closeOnce  sync.Once
	done       chan struct{}
	wg         sync.WaitGroup
}

// New creates a Session over transport. prototype constructs a fresh
// Dispatch for each freshly initiated inbound channel (one whose id
// exceeds every channel id seen so far), per spec §4.C "invoke".
func New(transport io.ReadWriteCloser, prototype func() Dispatch, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		transport:  transport,
		prototype:  prototype,
		logger:     logger.With("component", "session"),
		channels:   make(map[uint64]*channel),
		writeQueue: make(chan outbound, 1024),
		done:       make(chan struct{}),
	}
}

// Start launches the reader and writer reactor goroutines. Call once.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Fork allocates the next channel id, installs initialDispatch as its
// owner, and returns a typed Upstream bound to that channel.
func (s *Session) Fork(initialDispatch Dispatch) (*Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return nil, ErrNotConnected
	}

	s.nextChannel++
	id := s.nextChannel
	if id > s.maxSeen {
		s.maxSeen = id
	}
	s.channels[id] = &channel{id: id, state: StateOpen, dispatch: initialDispatch}

	return &Upstream{channelID: id, session: s}, nil
}

// push encodes and enqueues one outbound frame. The writer goroutine
// drains the queue in FIFO order, giving per-upstream send ordering.
func (s *Session) push(channelID uint64, messageID uint32, args []interface{}) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	buf, err := protocol.Encode(channelID, messageID, args)
	if err != nil {
		return err
	}

	select {
	case s.writeQueue <- outbound{buf: buf}:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// Detach closes the transport and notifies every live channel's
// dispatch with Discard(err) exactly once. Further operations fail
// with ErrNotConnected.
func (s *Session) Detach(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.detachErr = err
		chans := make([]*channel, 0, len(s.channels))
		for _, c := range s.channels {
			chans = append(chans, c)
		}
		s.mu.Unlock()

		close(s.done)
		s.transport.Close()

		for _, c := range chans {
			c.dispatch.Discard(err)
		}

		s.wg.Wait()
	})
}

// revoke marks a channel id as permanently retired: its id is never
// reused and no further inbound frame for it reaches a dispatch,
// though outbound sends on an already-handed-out Upstream remain
// valid (spec §4.C "Cancellation").
func (s *Session) revoke(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[id]; ok {
		c.revoked = true
		c.state = StateClosed
		delete(s.channels, id)
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	br := bufio.NewReaderSize(s.transport, 64*1024)
	dec := protocol.NewDecoder()
	chunk := make([]byte, 32*1024)

	for {
		n, err := br.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			for {
				frame, ok, decErr := dec.Next()
				if decErr != nil {
					s.logger.Error("frame decode failed, detaching session", "error", decErr)
					s.Detach(decErr)
					return
				}
				if !ok {
					break
				}
				s.dispatchInbound(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("transport read failed, detaching session", "error", err)
			}
			s.Detach(err)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case item := <-s.writeQueue:
			if _, err := s.transport.Write(item.buf); err != nil {
				s.logger.Warn("transport write failed, detaching session", "error", err)
				s.Detach(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// dispatchInbound routes one decoded frame to the channel it targets,
// per spec §4.C "invoke".
func (s *Session) dispatchInbound(frame protocol.Frame) {
	s.mu.Lock()
	c, ok := s.channels[frame.ChannelID]
	if !ok {
		if frame.ChannelID > s.maxSeen && s.prototype != nil {
			c = &channel{id: frame.ChannelID, state: StateOpen, dispatch: s.prototype()}
			s.channels[frame.ChannelID] = c
			s.maxSeen = frame.ChannelID
		} else {
			// channel_id <= maxSeen: this id was revoked. Ignore silently.
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if _, known := c.dispatch.Graph().Lookup(frame.MessageID); !known {
		s.logger.Warn("unknown slot on channel, replying with protocol error",
			"channel", frame.ChannelID, "message_id", frame.MessageID)
		errCode, _ := protocol.PackInt(1)
		errMsg, _ := protocol.PackString(fmt.Sprintf("unknown slot %d", frame.MessageID))
		_ = s.push(frame.ChannelID, protocol.RPCError, []interface{}{errCode, errMsg})
		return
	}

	next, terminal, err := c.dispatch.Process(frame.MessageID, frame.Args)
	if err != nil {
		s.logger.Warn("dispatch processing error", "channel", frame.ChannelID, "error", err)
	}
	if next != nil {
		s.mu.Lock()
		if live, ok := s.channels[frame.ChannelID]; ok {
			live.dispatch = next
		}
		s.mu.Unlock()
	}
	if terminal {
		s.revoke(frame.ChannelID)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"fmt"
	"strings"
	"time"
)

// EventHandler receives events whose name starts with a subscribed prefix.
type EventHandler func(name string, data []byte)

type subscription struct {
	filter   string
	scope    SubscriptionScope
	deviceID string
	handler  EventHandler
}

func (sub subscription) message(id uint16) []byte {
	return subscriptionMessage(id, sub.filter, sub.scope, sub.deviceID)
}

// isSystemEvent reports whether name is reserved for the system, which
// gets its own rate budget.
func isSystemEvent(name string) bool {
	return len(name) >= 5 && strings.EqualFold(name[:5], "spark")
}

// now maps the session clock onto time.Time for the rate limiters.
func (s *Session) now() time.Time {
	return time.UnixMilli(int64(s.clock.Millis()))
}

// Publish sends an event. Publishing is refused during a firmware update
// and when the rate budget for the event class is spent.
func (s *Session) Publish(name string, data []byte, opts EventOptions) error {
	if s.state != StateActive {
		return &Error{Kind: KindTransport, Op: "publish", Err: ErrNotInitialized}
	}
	if s.update != nil {
		return &Error{Kind: KindApplication, Op: "publish", Err: ErrUpdateInProgress}
	}
	if name == "" || len(name) > MaxEventNameLength {
		return newError(KindApplication, "publish", fmt.Sprintf("event name must be 1-%d bytes", MaxEventNameLength))
	}
	if len(data) > MaxEventDataLength {
		return newError(KindApplication, "publish", fmt.Sprintf("event data exceeds %d bytes", MaxEventDataLength))
	}

	limiter := s.userEvents
	if isSystemEvent(name) {
		limiter = s.systemEvents
	}
	if !limiter.AllowN(s.now(), 1) {
		s.stats.EventsDropped++
		return &Error{Kind: KindApplication, Op: "publish", Err: ErrRateLimited}
	}

	if opts.TTL == 0 {
		opts.TTL = DefaultEventTTL
	}
	if err := s.send(eventMessage(s.nextMessageID(), name, data, opts)); err != nil {
		return s.fail("publish", err)
	}
	s.stats.EventsSent++
	return nil
}

// Subscribe registers handler for events whose name starts with filter.
// Subscribing the same filter and scope twice is a no-op. When the session
// is active the subscription is sent to the cloud immediately.
func (s *Session) Subscribe(filter string, scope SubscriptionScope, deviceID string, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %q: nil handler", filter)
	}
	if len(filter) > MaxEventNameLength {
		return newError(KindApplication, "subscribe", fmt.Sprintf("filter exceeds %d bytes", MaxEventNameLength))
	}
	for _, sub := range s.subscriptions {
		if sub.filter == filter && sub.scope == scope && sub.deviceID == deviceID {
			return nil
		}
	}
	if len(s.subscriptions) >= MaxSubscriptions {
		return &Error{Kind: KindApplication, Op: "subscribe", Err: ErrTooManyHandlers}
	}
	sub := subscription{filter: filter, scope: scope, deviceID: deviceID, handler: handler}
	s.subscriptions = append(s.subscriptions, sub)
	if s.state != StateActive {
		return nil
	}
	if err := s.send(sub.message(s.nextMessageID())); err != nil {
		return s.fail("subscribe", err)
	}
	return nil
}

// Unsubscribe removes every handler registered for filter. The cloud keeps
// forwarding matching events until the next reconnect; they are dropped.
func (s *Session) Unsubscribe(filter string) {
	kept := s.subscriptions[:0]
	for _, sub := range s.subscriptions {
		if sub.filter != filter {
			kept = append(kept, sub)
		}
	}
	s.subscriptions = kept
}

// SendSubscriptions announces every registered subscription, typically
// right after a reconnect.
func (s *Session) SendSubscriptions() error {
	if s.state != StateActive {
		return &Error{Kind: KindTransport, Op: "subscribe", Err: ErrNotInitialized}
	}
	for _, sub := range s.subscriptions {
		if err := s.send(sub.message(s.nextMessageID())); err != nil {
			return s.fail("subscribe", err)
		}
	}
	return nil
}

func (s *Session) handleEvent(m *Message) {
	name := eventName(m)
	if name == "" {
		s.log.Debug().Msg("Dropping event without a name")
		return
	}
	s.stats.EventsReceived++
	data := append([]byte(nil), m.Payload...)
	for _, sub := range s.subscriptions {
		if strings.HasPrefix(name, sub.filter) {
			sub.handler(name, data)
		}
	}
}

// RequestTime asks the cloud for the current time. The answer is delivered
// to the callbacks' SetTime when they implement TimeSetter.
func (s *Session) RequestTime() error {
	if s.state != StateActive {
		return &Error{Kind: KindTransport, Op: "time", Err: ErrNotInitialized}
	}
	if s.update != nil {
		return &Error{Kind: KindApplication, Op: "time", Err: ErrUpdateInProgress}
	}
	id := s.nextMessageID()
	token := s.nextToken()
	if err := s.send(timeRequest(id, token)); err != nil {
		return s.fail("time", err)
	}
	s.timePending = true
	s.timeToken = token
	s.timeRequestMillis = s.clock.Millis()
	return nil
}

package main

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"panicrelay/relay"
)

// Notifier delivers a short text to a human, e.g. the admin chat.
type Notifier interface {
	Notify(text string) error
}

// EventStore persists session events.
type EventStore interface {
	RecordEvent(ev relay.Event) error
}

// Journal is a relay.Observer that writes events to the store and forwards
// notable ones to the notifier. Observe never blocks the hub: events are
// queued and handled by one worker; a full queue drops the event.
type Journal struct {
	store    EventStore
	notifier Notifier
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	events chan relay.Event
	wg     sync.WaitGroup
}

func NewJournal(store EventStore, notifier Notifier, logger zerolog.Logger, queue int) *Journal {
	j := &Journal{
		store:    store,
		notifier: notifier,
		log:      logger,
		events:   make(chan relay.Event, queue),
	}
	j.wg.Add(1)
	go j.worker()
	return j
}

// Observe queues ev. Events arriving after Close, e.g. from an HTTP handler
// that outlived the shutdown timeout, are dropped.
func (j *Journal) Observe(ev relay.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.log.Warn().Str("kind", string(ev.Kind)).Str("session", ev.SessionID).Msg("journal closed, event dropped")
		return
	}
	select {
	case j.events <- ev:
	default:
		j.log.Warn().Str("kind", string(ev.Kind)).Str("session", ev.SessionID).Msg("journal queue full, event dropped")
	}
}

// Close drains the queue and stops the worker.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) worker() {
	defer j.wg.Done()
	for ev := range j.events {
		if j.store != nil {
			if err := j.store.RecordEvent(ev); err != nil {
				j.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("journal write failed")
			}
		}
		if j.notifier == nil {
			continue
		}
		if text, ok := describeEvent(ev); ok {
			if err := j.notifier.Notify(text); err != nil {
				j.log.Warn().Err(err).Msg("notify failed")
			}
		}
	}
}

// describeEvent renders the events worth a human's attention.
func describeEvent(ev relay.Event) (string, bool) {
	switch ev.Kind {
	case relay.EventCallPlaced:
		return fmt.Sprintf("🚨 *Emergency call placed*\nTo: %s\nCall: %s", ev.To, ev.CallID), true
	case relay.EventCallFailed:
		return fmt.Sprintf("❌ *Emergency call failed*\nTo: %s\nError: %v", ev.To, ev.Err), true
	case relay.EventSMSSent:
		return fmt.Sprintf("✉️ *Alert SMS sent*\nTo: %s\nMessage: %s", ev.To, ev.SMSID), true
	case relay.EventSMSFailed:
		return fmt.Sprintf("⚠️ *Alert SMS failed*\nTo: %s\nError: %v", ev.To, ev.Err), true
	case relay.EventStatus:
		if relay.IsTerminalStatus(ev.Status) {
			return fmt.Sprintf("📞 *Call ended*\nTo: %s\nCall: %s\nStatus: %s", ev.To, ev.CallID, ev.Status), true
		}
	case relay.EventTerminated:
		if ev.Err != nil {
			return fmt.Sprintf("⚠️ *Hangup failed*\nCall: %s\nError: %v", ev.CallID, ev.Err), true
		}
	}
	return "", false
}

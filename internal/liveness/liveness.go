// Package liveness publishes pane idle states as a server-sent event
// stream.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/choonkeat/termbridge/internal/clock"
	"github.com/choonkeat/termbridge/internal/observability"
)

// StateClosed is published when a pane goes away.
const StateClosed = "closed"

const (
	topic       = "liveness"
	eventType   = "state"
	clientQueue = 256

	// Each message is also published to a per-pane topic so the replayer
	// can tell which pane it describes. Subscribers never join these.
	paneTopicPrefix   = "pane:"
	closedTopicPrefix = "closed:"
)

// Event is one pane state change.
type Event struct {
	PaneID string    `json:"paneId"`
	State  string    `json:"state"`
	At     time.Time `json:"at"`
}

// Hub fans state changes out to subscribers. New subscribers receive the
// latest state of every live pane before any live event.
type Hub struct {
	provider *sse.Joe
	clock    clock.Clock

	mu     sync.Mutex
	latest map[string]Event
}

// NewHub returns an empty hub. clk may be nil.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		provider: &sse.Joe{Replayer: newLatestReplayer()},
		clock:    clk,
		latest:   make(map[string]Event),
	}
}

// Publish records and broadcasts the state of paneID. Publishing
// StateClosed forgets the pane.
func (h *Hub) Publish(paneID, state string) {
	ev := Event{PaneID: paneID, State: state, At: h.clock.Now()}

	h.mu.Lock()
	if state == StateClosed {
		delete(h.latest, paneID)
	} else {
		h.latest[paneID] = ev
	}
	msg, err := newMessage(ev)
	if err == nil {
		// Published under the lock so subscribers see states in order.
		err = h.provider.Publish(msg, []string{topic, paneTopic(paneID, state)})
	}
	h.mu.Unlock()

	if err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		slog.Default().Warn("publish liveness", slog.String("pane.id", paneID), slog.Any("error", err))
	}
}

// Remove publishes StateClosed for paneID.
func (h *Hub) Remove(paneID string) { h.Publish(paneID, StateClosed) }

// Snapshot returns the latest state of every live pane, ordered by pane id.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, len(h.latest))
	for _, ev := range h.latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

// Shutdown disconnects all subscribers.
func (h *Hub) Shutdown(ctx context.Context) error {
	return h.provider.Shutdown(ctx)
}

func paneTopic(paneID, state string) string {
	if state == StateClosed {
		return closedTopicPrefix + paneID
	}
	return paneTopicPrefix + paneID
}

func newMessage(ev Event) (*sse.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(payload))
	return msg, nil
}

// ServeHTTP streams state events until the client goes away or the hub
// shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	// The replayer delivers the current state of every pane as part of
	// registering the subscription, so live events follow it with no gap.
	writer := &queueWriter{ch: make(chan *sse.Message, clientQueue)}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- h.provider.Subscribe(ctx, sse.Subscription{Client: writer, Topics: []string{topic}})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sse.ErrProviderClosed) {
				logger.Debug("liveness subscription ended", slog.String("event.type", "liveness.unsubscribe"), slog.Any("error", err))
			}
			return
		case msg := <-writer.ch:
			if err := sess.Send(msg); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

// queueWriter hands provider messages to the request goroutine, which owns
// the response writer.
type queueWriter struct {
	ch chan *sse.Message
}

func (w *queueWriter) Send(msg *sse.Message) error {
	select {
	case w.ch <- msg.Clone():
		return nil
	default:
		return errors.New("liveness subscriber is backpressured")
	}
}

func (w *queueWriter) Flush() error { return nil }

// latestReplayer remembers the last message of every live pane and replays
// them to each new subscriber. Joe calls Put and Replay from its own
// goroutine, in publish order, so no locking is needed.
type latestReplayer struct {
	latest map[string]*sse.Message
}

func newLatestReplayer() *latestReplayer {
	return &latestReplayer{latest: make(map[string]*sse.Message)}
}

func (l *latestReplayer) Put(msg *sse.Message, topics []string) (*sse.Message, error) {
	if len(topics) == 0 {
		return nil, sse.ErrNoTopic
	}
	for _, t := range topics {
		if id, ok := strings.CutPrefix(t, paneTopicPrefix); ok {
			l.latest[id] = msg
		} else if id, ok := strings.CutPrefix(t, closedTopicPrefix); ok {
			delete(l.latest, id)
		}
	}
	return msg, nil
}

func (l *latestReplayer) Replay(sub sse.Subscription) error {
	if len(l.latest) == 0 {
		return nil
	}
	ids := make([]string, 0, len(l.latest))
	for id := range l.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := sub.Client.Send(l.latest[id]); err != nil {
			return err
		}
	}
	return sub.Client.Flush()
}

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// HandlerCallbacks defines callbacks the handler uses to communicate
// task-completion and flag events back into the scheduler process.
type HandlerCallbacks struct {
	// OnTaskCompleted is invoked once per completed task, sampled at
	// the policy's recheck rate by the publishing side. A non-nil
	// error just gets logged: a missed recheck is not fatal, the next
	// sampled task will eventually catch a misbehaving agent.
	OnTaskCompleted func(TaskCompletedMessage) error

	// OnFlagRaised is invoked whenever the reputation ledger raises a
	// flag, so an operator-facing process can notify without the
	// ledger depending on a notification transport directly.
	OnFlagRaised func(FlagRaisedMessage) error
}

// Handler processes NATS messages and delegates to callbacks.
type Handler struct {
	client    *Client
	callbacks HandlerCallbacks

	subs   []*nats.Subscription
	subsMu sync.Mutex

	running bool
	stopCh  chan struct{}
}

// NewHandler creates a new NATS message handler.
func NewHandler(client *Client, callbacks HandlerCallbacks) *Handler {
	return &Handler{
		client:    client,
		callbacks: callbacks,
		subs:      make([]*nats.Subscription, 0),
		stopCh:    make(chan struct{}),
	}
}

// Start begins processing NATS messages.
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}

	h.running = true

	// Queue-grouped so multiple scheduler processes can share recheck
	// load without duplicating work on the same task.
	sub, err := h.client.QueueSubscribe(SubjectTaskCompleted, "validators", h.handleTaskCompleted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task completions: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.Subscribe(SubjectFlagRaised, h.handleFlagRaised)
	if err != nil {
		return fmt.Errorf("failed to subscribe to flags: %w", err)
	}
	h.addSub(sub)

	log.Printf("[NATS-HANDLER] Started, subscribed to %d subjects", len(h.subs))
	return nil
}

// Stop terminates message processing.
func (h *Handler) Stop() {
	if !h.running {
		return
	}

	close(h.stopCh)

	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	h.running = false
	log.Printf("[NATS-HANDLER] Stopped")
}

func (h *Handler) addSub(sub *nats.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) handleTaskCompleted(msg *Message) {
	var tc TaskCompletedMessage
	if err := json.Unmarshal(msg.Data, &tc); err != nil {
		log.Printf("[NATS-HANDLER] Invalid task completed message: %v", err)
		return
	}

	if h.callbacks.OnTaskCompleted != nil {
		if err := h.callbacks.OnTaskCompleted(tc); err != nil {
			log.Printf("[NATS-HANDLER] Task completed callback error: %v", err)
		}
	}
}

func (h *Handler) handleFlagRaised(msg *Message) {
	var fr FlagRaisedMessage
	if err := json.Unmarshal(msg.Data, &fr); err != nil {
		log.Printf("[NATS-HANDLER] Invalid flag raised message: %v", err)
		return
	}

	if h.callbacks.OnFlagRaised != nil {
		if err := h.callbacks.OnFlagRaised(fr); err != nil {
			log.Printf("[NATS-HANDLER] Flag raised callback error: %v", err)
		}
	}
}

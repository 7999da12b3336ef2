// Package hub fans ticket events out to connected front-desk and patient
// displays. Clients subscribe to a facility, optionally narrowed to one
// provider's queue.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"clinicq/visit-service/internal/ticket"
)

type Subscription struct {
	FacilityID string
	ProviderID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	FacilityID string `json:"facility_id"`
	ProviderID string `json:"provider_id"`
}

// Envelope is the wire shape of a broadcast message.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// BroadcastEvent pushes an applied ticket transition to every client whose
// subscription matches it. Marshal failures are logged and dropped.
func (h *Hub) BroadcastEvent(event ticket.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub: marshal event ticket=%s: %v", event.TicketID, err)
		return
	}
	envelope, err := json.Marshal(Envelope{
		Type:      "ticket." + event.To,
		Payload:   payload,
		CreatedAt: event.OccurredAt,
	})
	if err != nil {
		log.Printf("hub: marshal envelope ticket=%s: %v", event.TicketID, err)
		return
	}
	h.Broadcast(envelope, Subscription{FacilityID: event.FacilityID, ProviderID: event.ProviderID})
}

// Broadcast delivers a payload to matching clients. A client with a full
// send buffer is skipped rather than blocking the queue.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub: drop message for client %s", client.ID)
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.FacilityID != "" && meta.FacilityID != sub.FacilityID {
		return false
	}
	if sub.ProviderID != "" && meta.ProviderID != sub.ProviderID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

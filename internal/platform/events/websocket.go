package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/websocket"
)

// HubPublisher pushes events to live websocket subscribers of the order, its
// owner and the facilities involved.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Topics lists the websocket topics an event is delivered to.
func Topics(e StatusChanged) []string {
	topics := []string{websocket.OrderTopic(e.OrderID), websocket.OwnerTopic(e.OwnerIdentity)}
	if e.FacilityID != nil {
		topics = append(topics, websocket.FacilityTopic(*e.FacilityID))
	}
	if e.PreviousFacilityID != nil && (e.FacilityID == nil || *e.FacilityID != *e.PreviousFacilityID) {
		topics = append(topics, websocket.FacilityTopic(*e.PreviousFacilityID))
	}
	return topics
}

func (p *HubPublisher) Publish(ctx context.Context, e StatusChanged) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("websocket: marshal event: %w", err)
	}
	for _, topic := range Topics(e) {
		if err := p.hub.Publish(ctx, websocket.Event{
			Type:      EventType,
			Topic:     topic,
			OrderID:   e.OrderID,
			Timestamp: e.OccurredAt,
			Data:      data,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *HubPublisher) Close() error { return nil }

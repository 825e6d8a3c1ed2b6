package room

import "peerchat/internal/models"

// Observer receives room-level events for the UI collaborator. Register
// with SetObserver; ClearObserver is the explicit unsubscribe.
type Observer interface {
	PeerConnected(roomID, peerUserID string)
	PeerDisconnected(roomID, peerUserID string)
	MessageReceived(msg *models.Message)
	TypingIndicator(roomID, peerUserID string, active bool)
	PeerInfoUpdated(rec *models.PeerRecord)
}

func (c *Controller) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

func (c *Controller) ClearObserver() {
	c.mu.Lock()
	c.observer = nil
	c.mu.Unlock()
}

func (c *Controller) getObserver() Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}

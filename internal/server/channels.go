package server

import (
	"sync"
)

// ChannelManager tracks the live websocket of each requester. A requester
// has at most one; connecting again replaces the old socket.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]*wsChannel
}

// NewChannelManager creates a new ChannelManager.
func NewChannelManager() *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]*wsChannel),
	}
}

// Get returns the requester's live channel if it exists.
func (cm *ChannelManager) Get(requesterID string) (*wsChannel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.channels[requesterID]
	return ch, ok
}

// Register makes ch the requester's live channel and returns the one it
// replaced, if any. The caller closes the replaced channel.
func (cm *ChannelManager) Register(requesterID string, ch *wsChannel) *wsChannel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	prev := cm.channels[requesterID]
	cm.channels[requesterID] = ch
	return prev
}

// Remove unregisters ch. It reports false when ch was already replaced.
func (cm *ChannelManager) Remove(requesterID string, ch *wsChannel) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.channels[requesterID] != ch {
		return false
	}
	delete(cm.channels, requesterID)
	return true
}

// Len returns the number of live channels.
func (cm *ChannelManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.channels)
}

// CloseAll closes every live channel.
func (cm *ChannelManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for id, ch := range cm.channels {
		ch.Close()
		delete(cm.channels, id)
	}
}

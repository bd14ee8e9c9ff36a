// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import "sync"

// conversationLocks serializes turns within one conversation.
//
// Two concurrent requests against the same conversation would
// otherwise interleave their user/assistant message pairs. Entries
// are reference-counted and removed when the last holder releases,
// so the table does not grow with conversation count.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for conversationID, blocking while another
// turn holds it. The returned function releases it.
func (c *conversationLocks) Lock(conversationID string) (unlock func()) {
	c.mu.Lock()
	entry, ok := c.locks[conversationID]
	if !ok {
		entry = &lockEntry{}
		c.locks[conversationID] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}

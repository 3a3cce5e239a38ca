package stream

import "time"

// Status represents the current state of the streaming connection.
type Status struct {
	State             string             `json:"state"`
	Connected         bool               `json:"connected"`
	HasApprovalKey    bool               `json:"has_approval_key"`
	ConnectedAt       time.Time          `json:"connected_at,omitempty"`
	Uptime            string             `json:"uptime,omitempty"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	ReconnectPending  bool               `json:"reconnect_pending"`
	LastError         string             `json:"last_error,omitempty"`
	LastErrorAt       time.Time          `json:"last_error_at,omitempty"`
	Subscriptions     []SubscriptionInfo `json:"subscriptions,omitempty"`
}

// SubscriptionInfo represents a registered identity.
type SubscriptionInfo struct {
	Channel   string `json:"channel"`
	Key       string `json:"key"`
	Consumers int    `json:"consumers"`
}

// Status returns a snapshot of the connection and its subscriptions.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:             c.state.String(),
		Connected:         c.state == StateOpen,
		HasApprovalKey:    c.approvalKey != "",
		ReconnectAttempts: c.attempts,
		ReconnectPending:  c.reconnectTimer != nil,
		LastErrorAt:       c.lastErrAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if st.Connected {
		st.ConnectedAt = c.connectedAt
		st.Uptime = c.clock.Now().Sub(c.connectedAt).Truncate(time.Second).String()
	}
	c.mu.Unlock()

	for _, id := range c.registry.Identities() {
		st.Subscriptions = append(st.Subscriptions, SubscriptionInfo{
			Channel:   id.Channel,
			Key:       id.Key,
			Consumers: c.registry.RefCount(id),
		})
	}
	return st
}

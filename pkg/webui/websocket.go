// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webui

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/DataDog/mtp-gateway/pkg/broadcast"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// Channels a client may subscribe to
const (
	ChannelTags     = "tags"
	ChannelServices = "services"
	ChannelAlarms   = "alarms"
	ChannelAll      = "all"
)

// Message is the wire envelope in both directions
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// SubscribeRequest is the payload of a subscribe/unsubscribe message
type SubscribeRequest struct {
	Channel  string   `json:"channel"`
	Tags     []string `json:"tags,omitempty"`
	Services []string `json:"services,omitempty"`
}

// wsConn is the slice of *websocket.Conn the manager uses, split out so
// tests can drive the protocol without sockets.
type wsConn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

type subscription struct {
	tags     map[string]bool
	services map[string]bool
}

func (s *subscription) wants(filterKey string) bool {
	if len(s.tags) == 0 && len(s.services) == 0 {
		return true
	}
	if filterKey == "" {
		return true
	}
	return s.tags[filterKey] || s.services[filterKey]
}

// wsClient is one connected session
type wsClient struct {
	id   string
	user User
	conn wsConn

	writeMu sync.Mutex
	subs    map[string]*subscription
}

func (c *wsClient) send(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

// WSManager tracks WebSocket sessions and fans events out to them. One
// lock guards the connection table; sends and disconnects happen
// outside it.
type WSManager struct {
	mu    sync.Mutex
	conns map[string]*wsClient
}

// NewWSManager builds an empty session table
func NewWSManager() *WSManager {
	return &WSManager{conns: map[string]*wsClient{}}
}

// Register adds a session and returns its handle
func (m *WSManager) Register(conn wsConn, user User) *wsClient {
	c := &wsClient{
		id:   uuid.NewString(),
		user: user,
		conn: conn,
		subs: map[string]*subscription{},
	}
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	log.Debugf("websocket: %s connected as %s", c.id, user.Name)
	return c
}

// Disconnect removes a session and closes its socket
func (m *WSManager) Disconnect(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok {
		c.conn.Close()
		log.Debugf("websocket: %s disconnected", id)
	}
}

// Count returns the number of live sessions
func (m *WSManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// HandleMessage services one client message and sends the reply
func (m *WSManager) HandleMessage(c *wsClient, msg Message) {
	switch msg.Type {
	case "subscribe":
		req, err := decodeSubscribe(msg.Payload)
		if err != nil || !validChannel(req.Channel) {
			c.send(Message{Type: "error", Payload: map[string]string{"message": "invalid subscribe request"}})
			return
		}
		sub := &subscription{tags: map[string]bool{}, services: map[string]bool{}}
		for _, t := range req.Tags {
			sub.tags[t] = true
		}
		for _, s := range req.Services {
			sub.services[s] = true
		}
		m.mu.Lock()
		c.subs[req.Channel] = sub
		m.mu.Unlock()
		c.send(Message{Type: "subscribed", Payload: map[string]string{"channel": req.Channel}})
	case "unsubscribe":
		req, err := decodeSubscribe(msg.Payload)
		if err != nil || !validChannel(req.Channel) {
			c.send(Message{Type: "error", Payload: map[string]string{"message": "invalid unsubscribe request"}})
			return
		}
		m.mu.Lock()
		delete(c.subs, req.Channel)
		m.mu.Unlock()
		c.send(Message{Type: "unsubscribed", Payload: map[string]string{"channel": req.Channel}})
	case "ping":
		c.send(Message{Type: "pong"})
	default:
		c.send(Message{Type: "error", Payload: map[string]string{"message": "unknown message type " + msg.Type}})
	}
}

func decodeSubscribe(payload interface{}) (SubscribeRequest, error) {
	var req SubscribeRequest
	body, err := json.Marshal(payload)
	if err != nil {
		return req, err
	}
	err = json.Unmarshal(body, &req)
	return req, err
}

func validChannel(ch string) bool {
	switch ch {
	case ChannelTags, ChannelServices, ChannelAlarms, ChannelAll:
		return true
	}
	return false
}

// ReadLoop services a session until its socket fails
func (m *WSManager) ReadLoop(c *wsClient) {
	defer m.Disconnect(c.id)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		m.HandleMessage(c, msg)
	}
}

// Dispatch sends a message to every session subscribed to the channel.
// filterKey names the tag or service the message concerns; sessions
// with a filter that excludes it are skipped. Sessions whose send fails
// are disconnected after the table lock is released.
func (m *WSManager) Dispatch(channel, filterKey string, msg Message) {
	m.mu.Lock()
	targets := make([]*wsClient, 0, len(m.conns))
	for _, c := range m.conns {
		sub, ok := c.subs[channel]
		if !ok {
			sub, ok = c.subs[ChannelAll]
		}
		if !ok || !sub.wants(filterKey) {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	var failed []string
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			log.Warnf("websocket: send to %s: %v", c.id, err)
			failed = append(failed, c.id)
		}
	}
	for _, id := range failed {
		m.Disconnect(id)
	}
}

// StateChange is the state_change payload
type StateChange struct {
	ServiceName string `json:"service_name"`
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	Timestamp   string `json:"timestamp"`
}

// AlarmNotice is the alarm payload
type AlarmNotice struct {
	Action    string `json:"action"`
	AlarmID   string `json:"alarm_id"`
	Source    string `json:"source"`
	Priority  int    `json:"priority,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Sink adapts the manager to the broadcaster. Coalesced tag envelopes
// unpack into one tag_update per tag so per-tag filters keep working.
func (m *WSManager) Sink() broadcast.Sink {
	return func(env broadcast.Envelope) {
		switch env.Channel {
		case broadcast.ChannelTags:
			updates, ok := env.Payload.([]broadcast.TagUpdate)
			if !ok {
				return
			}
			for _, u := range updates {
				m.Dispatch(ChannelTags, u.Name, Message{Type: "tag_update", Payload: u})
			}
		case broadcast.ChannelServices:
			ev, ok := env.Payload.(service.Event)
			if !ok {
				return
			}
			m.Dispatch(ChannelServices, ev.Service, Message{Type: "state_change", Payload: StateChange{
				ServiceName: ev.Service,
				FromState:   ev.From.String(),
				ToState:     ev.To.String(),
				Timestamp:   ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			}})
		case broadcast.ChannelAlarms:
			notice, ok := env.Payload.(AlarmNotice)
			if !ok {
				return
			}
			m.Dispatch(ChannelAlarms, notice.Source, Message{Type: "alarm", Payload: notice})
		}
	}
}

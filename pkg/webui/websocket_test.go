// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webui

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/broadcast"
	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/service"
)

// fakeConn records writes; reads are not used by these tests
type fakeConn struct {
	mu     sync.Mutex
	sent   []Message
	fail   bool
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, v.(Message))
	return nil
}

func (f *fakeConn) ReadJSON(v interface{}) error { return errors.New("not implemented") }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func subscribe(m *WSManager, c *wsClient, channel string, tags, services []string) {
	m.HandleMessage(c, Message{Type: "subscribe", Payload: map[string]interface{}{
		"channel":  channel,
		"tags":     tags,
		"services": services,
	}})
}

func TestSubscribeProtocol(t *testing.T) {
	m := NewWSManager()
	conn := &fakeConn{}
	c := m.Register(conn, User{Name: "op", Role: "operator"})

	subscribe(m, c, ChannelTags, nil, nil)
	m.HandleMessage(c, Message{Type: "ping"})
	m.HandleMessage(c, Message{Type: "unsubscribe", Payload: map[string]interface{}{"channel": "tags"}})
	m.HandleMessage(c, Message{Type: "warp"})
	m.HandleMessage(c, Message{Type: "subscribe", Payload: map[string]interface{}{"channel": "nonsense"}})

	msgs := conn.messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "subscribed", msgs[0].Type)
	assert.Equal(t, "pong", msgs[1].Type)
	assert.Equal(t, "unsubscribed", msgs[2].Type)
	assert.Equal(t, "error", msgs[3].Type)
	assert.Equal(t, "error", msgs[4].Type)
}

func TestDispatchFilters(t *testing.T) {
	m := NewWSManager()

	all := &fakeConn{}
	cAll := m.Register(all, User{Name: "a"})
	subscribe(m, cAll, ChannelAll, nil, nil)

	filtered := &fakeConn{}
	cFiltered := m.Register(filtered, User{Name: "b"})
	subscribe(m, cFiltered, ChannelTags, []string{"plc.temp"}, nil)

	silent := &fakeConn{}
	m.Register(silent, User{Name: "c"})

	m.Dispatch(ChannelTags, "plc.temp", Message{Type: "tag_update"})
	m.Dispatch(ChannelTags, "plc.other", Message{Type: "tag_update"})

	// "all" sees both, the filter passes only plc.temp, no
	// subscription sees nothing
	assert.Len(t, all.messages(), 2)
	require.Len(t, filtered.messages(), 2) // subscribed ack + one update
	assert.Equal(t, "tag_update", filtered.messages()[1].Type)
	assert.Empty(t, silent.messages())
}

func TestFailedSendDisconnects(t *testing.T) {
	m := NewWSManager()
	broken := &fakeConn{fail: true}
	c := m.Register(broken, User{Name: "x"})
	m.mu.Lock()
	c.subs[ChannelAll] = &subscription{tags: map[string]bool{}, services: map[string]bool{}}
	m.mu.Unlock()
	require.Equal(t, 1, m.Count())

	m.Dispatch(ChannelTags, "t", Message{Type: "tag_update"})
	assert.Equal(t, 0, m.Count())
	broken.mu.Lock()
	assert.True(t, broken.closed)
	broken.mu.Unlock()
}

func TestSinkAdaptation(t *testing.T) {
	m := NewWSManager()
	conn := &fakeConn{}
	c := m.Register(conn, User{Name: "op"})
	subscribe(m, c, ChannelAll, nil, nil)
	sink := m.Sink()

	now := time.Now()
	sink(broadcast.Envelope{
		Channel: broadcast.ChannelTags,
		Payload: []broadcast.TagUpdate{
			{Name: "plc.temp", Value: 42.0, Quality: "GOOD"},
			{Name: "plc.valve", Value: true, Quality: "GOOD"},
		},
	})
	sink(broadcast.Envelope{
		Channel: broadcast.ChannelServices,
		Payload: service.Event{
			Service:   "Dose",
			From:      packml.StateIdle,
			To:        packml.StateStarting,
			Timestamp: now,
		},
	})
	sink(broadcast.Envelope{
		Channel: broadcast.ChannelAlarms,
		Payload: AlarmNotice{Action: "raised", AlarmID: "Temp_HH", Source: "Temp", Priority: 1},
	})

	msgs := conn.messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "subscribed", msgs[0].Type)
	assert.Equal(t, "tag_update", msgs[1].Type)
	assert.Equal(t, "tag_update", msgs[2].Type)
	assert.Equal(t, "state_change", msgs[3].Type)
	sc := msgs[3].Payload.(StateChange)
	assert.Equal(t, "Dose", sc.ServiceName)
	assert.Equal(t, "IDLE", sc.FromState)
	assert.Equal(t, "STARTING", sc.ToState)
	assert.Equal(t, "alarm", msgs[4].Type)
	assert.Equal(t, "Temp_HH", msgs[4].Payload.(AlarmNotice).AlarmID)
}

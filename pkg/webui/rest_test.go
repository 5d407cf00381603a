// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webui

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/alarms"
	"github.com/DataDog/mtp-gateway/pkg/connector"
	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

type tagWrite struct {
	name  string
	value interface{}
}

type fakeTagAPI struct {
	mu       sync.Mutex
	tags     []*tag.Tag
	values   map[string]tag.Value
	writeErr error
	writes   []tagWrite
}

func (f *fakeTagAPI) Tags() []*tag.Tag { return f.tags }

func (f *fakeTagAPI) Get(name string) (*tag.Tag, bool) {
	for _, t := range f.tags {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (f *fakeTagAPI) Read(name string) (tag.Value, error) {
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return tag.Value{}, errors.Errorf("no value for %s", name)
}

func (f *fakeTagAPI) Write(ctx context.Context, name string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, tagWrite{name: name, value: value})
	return nil
}

type cmdCapture struct {
	service   string
	cmd       packml.Command
	procedure *int
	actor     string
}

type fakeServiceAPI struct {
	mu       sync.Mutex
	statuses map[string]service.Status
	result   packml.TransitionResult
	sendErr  error
	last     *cmdCapture
}

func (f *fakeServiceAPI) List() []service.Status {
	out := make([]service.Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

func (f *fakeServiceAPI) Status(name string) (service.Status, error) {
	if st, ok := f.statuses[name]; ok {
		return st, nil
	}
	return service.Status{}, errors.Errorf("unknown service %s", name)
}

func (f *fakeServiceAPI) SendCommand(ctx context.Context, name string, cmd packml.Command, opts service.CommandOptions) (packml.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &cmdCapture{service: name, cmd: cmd, procedure: opts.Procedure, actor: opts.Actor}
	if f.sendErr != nil {
		return packml.TransitionResult{}, f.sendErr
	}
	return f.result, nil
}

type historyQuery struct {
	tag    string
	limit  int
	bucket time.Duration
	agg    persistence.Aggregation
}

type fakeHistoryAPI struct {
	mu        sync.Mutex
	samples   []persistence.HistorySample
	points    []persistence.AggregatedPoint
	available []string
	last      *historyQuery
}

func (f *fakeHistoryAPI) QueryHistory(tagName string, from, to time.Time, limit int) ([]persistence.HistorySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &historyQuery{tag: tagName, limit: limit}
	return f.samples, nil
}

func (f *fakeHistoryAPI) QueryAggregated(tagName string, from, to time.Time, bucket time.Duration, agg persistence.Aggregation) ([]persistence.AggregatedPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &historyQuery{tag: tagName, bucket: bucket, agg: agg}
	return f.points, nil
}

func (f *fakeHistoryAPI) HistoryTags() ([]string, error) { return f.available, nil }

type fakeHealthAPI struct {
	health map[string]connector.Health
}

func (f *fakeHealthAPI) ConnectorHealth() map[string]connector.Health { return f.health }

type restFixture struct {
	ts       *httptest.Server
	tags     *fakeTagAPI
	services *fakeServiceAPI
	detector *alarms.Detector
	history  *fakeHistoryAPI
	tokens   map[string]string
}

func newRestFixture(t *testing.T) *restFixture {
	t.Helper()
	auth := testAuth(t)

	tags := &fakeTagAPI{
		tags: []*tag.Tag{
			{Name: "plc.temp", Connector: "plc1", DataType: tag.TypeFloat32, Unit: "degC"},
			{Name: "plc.valve", Connector: "plc1", DataType: tag.TypeBool, Writable: true},
		},
		values: map[string]tag.Value{
			"plc.temp": tag.NewValue(42.5, tag.QualityGood),
		},
	}
	services := &fakeServiceAPI{
		statuses: map[string]service.Status{
			"Dose": {Name: "Dose", Mode: service.ModeThick, State: "IDLE", StateNumber: 4, Procedure: 2},
		},
		result: packml.TransitionResult{Success: true, FromState: packml.StateIdle, ToState: packml.StateStarting},
	}

	hh := 90.0
	detector := alarms.NewDetector(persistence.NewMemoryAlarmRepository())
	detector.AddAnalogMonitor(alarms.AnalogMonitor{Name: "Temp", SourceTag: "plc.temp", Unit: "degC", LimitHH: &hh})

	history := &fakeHistoryAPI{
		samples: []persistence.HistorySample{
			{Tag: "plc.temp", Value: sql.NullFloat64{Float64: 41.0, Valid: true}, Quality: int(tag.QualityGood), Timestamp: time.Now().UTC()},
		},
		points: []persistence.AggregatedPoint{
			{BucketStart: time.Now().UTC().Truncate(time.Minute), Value: 41.5, Count: 12},
		},
		available: []string{"plc.temp", "plc.valve"},
	}
	health := &fakeHealthAPI{
		health: map[string]connector.Health{
			"plc1": {State: connector.StateConnected},
		},
	}

	srv := NewServer(Deps{
		Auth:     auth,
		Tags:     tags,
		Services: services,
		Alarms:   detector,
		History:  history,
		Health:   health,
		WS:       NewWSManager(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	tokens := map[string]string{}
	for user, pass := range map[string]string{"op": "op-pass", "eng": "eng-pass", "root": "root-pass"} {
		token, _, err := auth.Login(user, pass)
		require.NoError(t, err)
		tokens[user] = token
	}

	return &restFixture{ts: ts, tags: tags, services: services, detector: detector, history: history, tokens: tokens}
}

func (f *restFixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+"/api/v1"+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// raise pushes a value past the HH limit so a real alarm record exists
func (f *restFixture) raise(t *testing.T) string {
	t.Helper()
	f.detector.OnTagUpdate("plc.temp", tag.NewValue(95.0, tag.QualityGood))
	active, err := f.detector.Active()
	require.NoError(t, err)
	require.NotEmpty(t, active)
	return active[0].ID
}

func getJSONList(t *testing.T, f *restFixture, path, token string) []interface{} {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1"+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAuthEndpoints(t *testing.T) {
	f := newRestFixture(t)

	resp, body := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "op", "password": "op-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	resp, body = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "op", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", body["detail"])

	resp, body = f.do(t, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "op", body["username"])
	assert.Equal(t, "operator", body["role"])

	resp, body = f.do(t, http.MethodPost, "/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fresh, _ := body["token"].(string)
	require.NotEmpty(t, fresh)
	assert.NotEqual(t, token, fresh)

	// the refreshed-away token is dead
	resp, _ = f.do(t, http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/auth/me", fresh, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthGate(t *testing.T) {
	f := newRestFixture(t)

	resp, body := f.do(t, http.MethodGet, "/tags", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing token", body["detail"])

	resp, body = f.do(t, http.MethodGet, "/tags", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid token", body["detail"])

	// operators cannot write tags or shelve alarms
	resp, body = f.do(t, http.MethodPost, "/tags/plc.valve", f.tokens["op"], map[string]interface{}{"value": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission denied", body["detail"])

	id := f.raise(t)
	resp, _ = f.do(t, http.MethodPost, "/alarms/"+id+"/shelve", f.tokens["op"], map[string]interface{}{"duration_s": 60})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newRestFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
	connectors, ok := body["connectors"].(map[string]interface{})
	require.True(t, ok)
	plc1, ok := connectors["plc1"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, plc1["healthy"])
}

func TestTagEndpoints(t *testing.T) {
	f := newRestFixture(t)

	list := getJSONList(t, f, "/tags", f.tokens["op"])
	require.Len(t, list, 2)

	resp, body := f.do(t, http.MethodGet, "/tags/plc.temp", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plc.temp", body["name"])
	assert.Equal(t, "FLOAT32", body["datatype"])
	assert.Equal(t, "degC", body["unit"])
	require.NotNil(t, body["value"])

	resp, _ = f.do(t, http.MethodGet, "/tags/nope", f.tokens["op"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/tags/plc.valve", f.tokens["eng"], map[string]interface{}{"value": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	require.Len(t, f.tags.writes, 1)
	assert.Equal(t, "plc.valve", f.tags.writes[0].name)
	assert.Equal(t, true, f.tags.writes[0].value)

	resp, _ = f.do(t, http.MethodPost, "/tags/nope", f.tokens["eng"], map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// write gate rejections surface as 400 with the gate's reason
	f.tags.writeErr = errors.New("tag plc.valve is not in the write allowlist")
	resp, body = f.do(t, http.MethodPost, "/tags/plc.valve", f.tokens["eng"], map[string]interface{}{"value": false})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "allowlist")
}

func TestServiceEndpoints(t *testing.T) {
	f := newRestFixture(t)

	list := getJSONList(t, f, "/services", f.tokens["op"])
	require.Len(t, list, 1)

	resp, body := f.do(t, http.MethodGet, "/services/Dose", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IDLE", body["state"])
	assert.Equal(t, "THICK", body["mode"])

	resp, _ = f.do(t, http.MethodGet, "/services/Nope", f.tokens["op"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	proc := 1
	resp, body = f.do(t, http.MethodPost, "/services/Dose/command", f.tokens["op"], map[string]interface{}{"command": "START", "procedure": proc})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "IDLE", body["from_state"])
	assert.Equal(t, "STARTING", body["to_state"])
	require.NotNil(t, f.services.last)
	assert.Equal(t, packml.CommandStart, f.services.last.cmd)
	require.NotNil(t, f.services.last.procedure)
	assert.Equal(t, proc, *f.services.last.procedure)
	assert.Equal(t, "op", f.services.last.actor)

	resp, body = f.do(t, http.MethodPost, "/services/Dose/command", f.tokens["op"], map[string]interface{}{"command": "LAUNCH"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "LAUNCH")

	resp, _ = f.do(t, http.MethodPost, "/services/Nope/command", f.tokens["op"], map[string]interface{}{"command": "START"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.services.result = packml.TransitionResult{
		Success:   false,
		FromState: packml.StateAborted,
		Err:       errors.New("command START not allowed in state ABORTED"),
	}
	resp, body = f.do(t, http.MethodPost, "/services/Dose/command", f.tokens["op"], map[string]interface{}{"command": "START"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["detail"], "ABORTED")

	f.services.result = packml.TransitionResult{}
	f.services.sendErr = errors.New("machine offline")
	resp, _ = f.do(t, http.MethodPost, "/services/Dose/command", f.tokens["op"], map[string]interface{}{"command": "START"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAlarmEndpoints(t *testing.T) {
	f := newRestFixture(t)
	id := f.raise(t)

	list := getJSONList(t, f, "/alarms", f.tokens["op"])
	require.Len(t, list, 1)

	resp, body := f.do(t, http.MethodGet, "/alarms/"+id, f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plc.temp", body["SourceTag"])

	resp, _ = f.do(t, http.MethodGet, "/alarms/nope", f.tokens["op"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/alarms/"+id+"/acknowledge", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	rec, found, err := f.detector.Get(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, persistence.AlarmAcked, rec.State)
	assert.Equal(t, "op", rec.AckedBy)

	resp, _ = f.do(t, http.MethodPost, "/alarms/"+id+"/clear", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// alarm actions on a cleared alarm conflict
	resp, body = f.do(t, http.MethodPost, "/alarms/"+id+"/acknowledge", f.tokens["op"], nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["detail"], "cleared")
	resp, _ = f.do(t, http.MethodPost, "/alarms/"+id+"/clear", f.tokens["op"], nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/alarms/nope/acknowledge", f.tokens["op"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// cleared alarms only show when asked for
	list = getJSONList(t, f, "/alarms", f.tokens["op"])
	assert.Empty(t, list)
	list = getJSONList(t, f, "/alarms?include_cleared=true", f.tokens["op"])
	assert.Len(t, list, 1)
}

func TestAlarmShelve(t *testing.T) {
	f := newRestFixture(t)
	id := f.raise(t)

	resp, body := f.do(t, http.MethodPost, "/alarms/"+id+"/shelve", f.tokens["eng"], map[string]interface{}{"duration_s": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "positive")

	resp, body = f.do(t, http.MethodPost, "/alarms/"+id+"/shelve", f.tokens["eng"], map[string]interface{}{"duration_s": 300})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	rec, _, err := f.detector.Get(id)
	require.NoError(t, err)
	assert.Equal(t, persistence.AlarmShelved, rec.State)
	assert.True(t, rec.ShelvedUntil.Valid)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newRestFixture(t)

	resp, body := f.do(t, http.MethodGet, "/history/tags", f.tokens["op"], nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "tag")

	list := getJSONList(t, f, "/history/tags?tag=plc.temp&limit=50", f.tokens["op"])
	require.Len(t, list, 1)
	require.NotNil(t, f.history.last)
	assert.Equal(t, "plc.temp", f.history.last.tag)
	assert.Equal(t, 50, f.history.last.limit)

	list = getJSONList(t, f, "/history/tags?tag=plc.temp&bucket=5m&agg=max", f.tokens["op"])
	require.Len(t, list, 1)
	assert.Equal(t, 5*time.Minute, f.history.last.bucket)
	assert.Equal(t, persistence.AggMax, f.history.last.agg)

	// the day shorthand is accepted for bucket sizes
	resp, _ = f.do(t, http.MethodGet, "/history/tags?tag=plc.temp&bucket=1d", f.tokens["op"], nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 24*time.Hour, f.history.last.bucket)

	resp, _ = f.do(t, http.MethodGet, "/history/tags?tag=plc.temp&bucket=nonsense", f.tokens["op"], nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/history/tags?tag=plc.temp&from=yesterday", f.tokens["op"], nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/history/tags/multi?tags=plc.temp,plc.valve", f.tokens["op"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "plc.temp")
	assert.Contains(t, body, "plc.valve")

	resp, _ = f.do(t, http.MethodGet, "/history/tags/multi", f.tokens["op"], nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	avail := getJSONList(t, f, "/history/tags/available", f.tokens["op"])
	assert.ElementsMatch(t, []interface{}{"plc.temp", "plc.valve"}, avail)
}

func TestWebSocketAuthRequired(t *testing.T) {
	f := newRestFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/api/v1/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url := fmt.Sprintf("%s/api/v1/ws?token=%s", f.ts.URL, "garbage")
	resp, err = f.ts.Client().Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBadRequestBodies(t *testing.T) {
	f := newRestFixture(t)

	for _, path := range []string{"/services/Dose/command", "/tags/plc.valve"} {
		token := f.tokens["root"]
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1"+path, strings.NewReader("{not json"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equalf(t, http.StatusBadRequest, resp.StatusCode, "path %s", path)
	}
}

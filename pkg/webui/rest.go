// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/connector"
	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// TagAPI is the slice of the tag manager the REST surface consumes
type TagAPI interface {
	Tags() []*tag.Tag
	Get(name string) (*tag.Tag, bool)
	Read(name string) (tag.Value, error)
	Write(ctx context.Context, name string, value interface{}) error
}

// ServiceAPI is the slice of the service manager the REST surface
// consumes.
type ServiceAPI interface {
	List() []service.Status
	Status(name string) (service.Status, error)
	SendCommand(ctx context.Context, name string, cmd packml.Command, opts service.CommandOptions) (packml.TransitionResult, error)
}

// AlarmAPI is the alarm surface
type AlarmAPI interface {
	Active() ([]persistence.AlarmRecord, error)
	All() ([]persistence.AlarmRecord, error)
	Get(id string) (persistence.AlarmRecord, bool, error)
	Ack(id, by string) error
	Clear(id string) error
	Shelve(id string, until time.Time) error
}

// HistoryAPI is the history query surface
type HistoryAPI interface {
	QueryHistory(tagName string, from, to time.Time, limit int) ([]persistence.HistorySample, error)
	QueryAggregated(tagName string, from, to time.Time, bucket time.Duration, agg persistence.Aggregation) ([]persistence.AggregatedPoint, error)
	HistoryTags() ([]string, error)
}

// HealthAPI reports connector health
type HealthAPI interface {
	ConnectorHealth() map[string]connector.Health
}

// Deps wires the server to the rest of the gateway
type Deps struct {
	Auth     *Authenticator
	Tags     TagAPI
	Services ServiceAPI
	Alarms   AlarmAPI
	History  HistoryAPI
	Health   HealthAPI
	WS       *WSManager
}

// Server is the REST and WebSocket endpoint
type Server struct {
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
}

type ctxKey int

const userKey ctxKey = 0

func userFrom(r *http.Request) User {
	u, _ := r.Context().Value(userKey).(User)
	return u
}

// NewServer builds the route table
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.authed("", s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.HandleFunc("/health", s.authed("", s.handleHealth)).Methods(http.MethodGet)

	api.HandleFunc("/tags", s.authed(PermTagsRead, s.handleListTags)).Methods(http.MethodGet)
	api.HandleFunc("/tags/{name}", s.authed(PermTagsRead, s.handleGetTag)).Methods(http.MethodGet)
	api.HandleFunc("/tags/{name}", s.authed(PermTagsWrite, s.handleWriteTag)).Methods(http.MethodPost)

	api.HandleFunc("/services", s.authed(PermServicesRead, s.handleListServices)).Methods(http.MethodGet)
	api.HandleFunc("/services/{name}", s.authed(PermServicesRead, s.handleGetService)).Methods(http.MethodGet)
	api.HandleFunc("/services/{name}/command", s.authed(PermServicesCommand, s.handleCommand)).Methods(http.MethodPost)

	api.HandleFunc("/alarms", s.authed(PermAlarmsRead, s.handleListAlarms)).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}", s.authed(PermAlarmsRead, s.handleGetAlarm)).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}/acknowledge", s.authed(PermAlarmsAck, s.handleAckAlarm)).Methods(http.MethodPost)
	api.HandleFunc("/alarms/{id}/clear", s.authed(PermAlarmsAck, s.handleClearAlarm)).Methods(http.MethodPost)
	api.HandleFunc("/alarms/{id}/shelve", s.authed(PermAlarmsShelve, s.handleShelveAlarm)).Methods(http.MethodPost)

	api.HandleFunc("/history/tags", s.authed(PermHistoryRead, s.handleHistory)).Methods(http.MethodGet)
	api.HandleFunc("/history/tags/multi", s.authed(PermHistoryRead, s.handleHistoryMulti)).Methods(http.MethodGet)
	api.HandleFunc("/history/tags/available", s.authed(PermHistoryRead, s.handleHistoryTags)).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.router = r
	return s
}

// Router exposes the handler for mounting and for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Warnf("webui: encoding response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authed wraps a handler with authentication and an optional permission
// check. An empty permission requires only a valid token.
func (s *Server) authed(perm Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		user, err := s.deps.Auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if perm != "" && !HasPermission(user.Role, perm) {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, user, err := s.deps.Auth.Login(body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	fresh, user, err := s.deps.Auth.Refresh(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": fresh, "user": user})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connectors := map[string]interface{}{}
	healthy := true
	for name, h := range s.deps.Health.ConnectorHealth() {
		ok := h.Healthy()
		healthy = healthy && ok
		connectors[name] = map[string]interface{}{
			"state":   h.State.String(),
			"healthy": ok,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":    healthy,
		"connectors": connectors,
	})
}

// TagInfo is one row of the tag list
type TagInfo struct {
	Name      string     `json:"name"`
	Connector string     `json:"connector"`
	DataType  string     `json:"datatype"`
	Writable  bool       `json:"writable"`
	Unit      string     `json:"unit,omitempty"`
	Value     *tag.Value `json:"value,omitempty"`
}

func (s *Server) tagInfo(t *tag.Tag) TagInfo {
	info := TagInfo{
		Name:      t.Name,
		Connector: t.Connector,
		DataType:  t.DataType.String(),
		Writable:  t.Writable,
		Unit:      t.Unit,
	}
	if v, err := s.deps.Tags.Read(t.Name); err == nil {
		info.Value = &v
	}
	return info
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags := s.deps.Tags.Tags()
	out := make([]TagInfo, 0, len(tags))
	for _, t := range tags {
		out = append(out, s.tagInfo(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, ok := s.deps.Tags.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tag "+name)
		return
	}
	writeJSON(w, http.StatusOK, s.tagInfo(t))
}

func (s *Server) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Tags.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown tag "+name)
		return
	}
	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Tags.Write(r.Context(), name, body.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Services.List())
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	st, err := s.deps.Services.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.deps.Services.Status(name); err != nil {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	var body struct {
		Command   string `json:"command"`
		Procedure *int   `json:"procedure,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := packml.ParseCommand(body.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Services.SendCommand(r.Context(), name, cmd, service.CommandOptions{
		Procedure: body.Procedure,
		Actor:     userFrom(r).Name,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !res.Success {
		detail := "command rejected"
		if res.Err != nil {
			detail = res.Err.Error()
		}
		writeError(w, http.StatusConflict, detail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"from_state": res.FromState.String(),
		"to_state":   res.ToState.String(),
	})
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	var (
		records []persistence.AlarmRecord
		err     error
	)
	if r.URL.Query().Get("include_cleared") == "true" {
		records, err = s.deps.Alarms.All()
	} else {
		records, err = s.deps.Alarms.Active()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, found, err := s.deps.Alarms.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown alarm "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// alarmAction runs an alarm state change with 404/409 mapping
func (s *Server) alarmAction(w http.ResponseWriter, id string, action func() error) {
	_, found, err := s.deps.Alarms.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown alarm "+id)
		return
	}
	if err := action(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAckAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.alarmAction(w, id, func() error { return s.deps.Alarms.Ack(id, userFrom(r).Name) })
}

func (s *Server) handleClearAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.alarmAction(w, id, func() error { return s.deps.Alarms.Clear(id) })
}

func (s *Server) handleShelveAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		DurationS float64 `json:"duration_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DurationS <= 0 {
		writeError(w, http.StatusBadRequest, "duration_s must be positive")
		return
	}
	until := time.Now().Add(time.Duration(body.DurationS * float64(time.Second)))
	s.alarmAction(w, id, func() error { return s.deps.Alarms.Shelve(id, until) })
}

func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.Add(-time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, err
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

func (s *Server) queryOneTag(r *http.Request, tagName string) (interface{}, error) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		return nil, err
	}
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return nil, errors.New("limit must be a positive integer")
		}
	}
	if bucket := r.URL.Query().Get("bucket"); bucket != "" {
		size, err := persistence.ParseBucketString(bucket)
		if err != nil {
			return nil, err
		}
		agg := persistence.Aggregation(r.URL.Query().Get("agg"))
		if agg == "" {
			agg = persistence.AggAvg
		}
		return s.deps.History.QueryAggregated(tagName, from, to, size, agg)
	}
	return s.deps.History.QueryHistory(tagName, from, to, limit)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tagName := r.URL.Query().Get("tag")
	if tagName == "" {
		writeError(w, http.StatusBadRequest, "tag query parameter is required")
		return
	}
	out, err := s.queryOneTag(r, tagName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryMulti(w http.ResponseWriter, r *http.Request) {
	names := strings.Split(r.URL.Query().Get("tags"), ",")
	if len(names) == 0 || names[0] == "" {
		writeError(w, http.StatusBadRequest, "tags query parameter is required")
		return
	}
	out := map[string]interface{}{}
	for _, name := range names {
		series, err := s.queryOneTag(r, name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out[name] = series
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.History.HistoryTags()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	user, err := s.deps.Auth.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("webui: websocket upgrade: %v", err)
		return
	}
	client := s.deps.WS.Register(conn, user)
	go s.deps.WS.ReadLoop(client)
}

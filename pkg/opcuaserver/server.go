// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package opcuaserver

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

const syncInterval = 250 * time.Millisecond

// Config carries the endpoint settings
type Config struct {
	Host string
	Port int
}

// Server exposes the address space on an OPC UA endpoint. All gateway
// logic lives in AddressSpace and Runtime; this wrapper only mirrors
// node values onto the wire stack.
type Server struct {
	runtime *Runtime
	cfg     Config

	srv    *server.Server
	mirror map[string]*server.Node

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewServer builds the endpoint wrapper
func NewServer(runtime *Runtime, cfg Config) *Server {
	return &Server{
		runtime: runtime,
		cfg:     cfg,
		mirror:  map[string]*server.Node{},
	}
}

// Start brings up the endpoint and begins mirroring values
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("opcua server already started")
	}

	space := s.runtime.Space()
	opts := []server.Option{
		server.EndPoint(s.cfg.Host, s.cfg.Port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
		server.ServerName(space.Model.RootPath()),
	}
	s.srv = server.New(opts...)
	if err := s.srv.Start(ctx); err != nil {
		return errors.Wrap(err, "start opcua endpoint")
	}

	ns := server.NewNodeNameSpace(s.srv, space.Model.NamespaceURI)
	objects := ns.Objects()
	for _, n := range space.Nodes() {
		if n.Class != ClassVariable {
			continue
		}
		v := n.Value()
		mirrored := ns.AddNewVariableNode(n.Path, v.Value)
		objects.AddRef(mirrored, id.HasComponent, true)
		s.mirror[n.Path] = mirrored
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.syncLoop(runCtx)
	s.started = true
	log.Infof("opcua server listening on %s:%d", s.cfg.Host, s.cfg.Port)
	return nil
}

// syncLoop pushes current samples onto the mirrored wire nodes
func (s *Server) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce()
		}
	}
}

func (s *Server) syncOnce() {
	space := s.runtime.Space()
	for path, mirrored := range s.mirror {
		n, ok := space.Node(path)
		if !ok {
			continue
		}
		v := n.Value()
		if v.Value == nil {
			continue
		}
		mirrored.SetAttribute(ua.AttributeIDValue, ua.DataValue{
			Value:           ua.MustVariant(v.Value),
			Status:          ua.StatusOK,
			SourceTimestamp: v.Timestamp,
			EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp,
		})
	}
}

// Stop tears the endpoint down
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	s.wg.Wait()
	if err := s.srv.Close(); err != nil {
		log.Warnf("opcua server close: %v", err)
	}
	s.started = false
}

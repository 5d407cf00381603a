// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package opcuaserver

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/pea"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// TagWriter is the slice of the tag manager the runtime writes through
type TagWriter interface {
	Write(ctx context.Context, name string, value interface{}) error
}

// ServiceCommander is the slice of the service manager the runtime
// drives from external OPC UA writes.
type ServiceCommander interface {
	SendCommand(ctx context.Context, name string, cmd packml.Command, opts CommandOpts) (packml.TransitionResult, error)
}

// CommandOpts aliases the service manager's command options so callers
// of this package need only one import.
type CommandOpts = service.CommandOptions

// Runtime keeps the address space in sync with the gateway and routes
// external writes back into it.
type Runtime struct {
	space    *AddressSpace
	tags     TagWriter
	services ServiceCommander

	mu      sync.Mutex
	pending map[string]int
}

// NewRuntime wires an address space to the tag and service managers.
// Either dependency may be nil in tooling contexts; the corresponding
// writes are then rejected.
func NewRuntime(space *AddressSpace, tags TagWriter, services ServiceCommander) *Runtime {
	return &Runtime{
		space:    space,
		tags:     tags,
		services: services,
		pending:  map[string]int{},
	}
}

// Space returns the underlying address space
func (r *Runtime) Space() *AddressSpace {
	return r.space
}

// OnTagUpdate pushes a fresh sample to every node bound to the tag.
// Interlock bindings collapse the sample to a UInt32 permissive flag.
func (r *Runtime) OnTagUpdate(name string, v tag.Value) {
	for _, path := range r.space.TagBindings[name] {
		if err := r.space.WriteInternal(path, v); err != nil {
			log.Warnf("opcua: tag %s binding: %v", name, err)
		}
	}
	if path, ok := r.space.TagNodes[name]; ok {
		if err := r.space.WriteInternal(path, v); err != nil {
			log.Warnf("opcua: tag %s node: %v", name, err)
		}
	}
	for _, path := range r.space.InterlockBindings[name] {
		flag := uint32(0)
		if truthy(v.Value) {
			flag = 1
		}
		iv := tag.NewValue(flag, v.Quality)
		if err := r.space.WriteInternal(path, iv); err != nil {
			log.Warnf("opcua: interlock binding for %s: %v", name, err)
		}
	}
}

// OnServiceEvent mirrors a state change onto the service variables
func (r *Runtime) OnServiceEvent(ev service.Event) {
	vars, ok := r.space.ServiceNodes[ev.Service]
	if !ok {
		return
	}
	if path, ok := vars["StateCur"]; ok {
		r.mustWrite(path, uint32(ev.To))
	}
	if path, ok := vars["ProcedureCur"]; ok {
		r.mustWrite(path, uint32(ev.Procedure))
	}
}

func (r *Runtime) mustWrite(path string, v interface{}) {
	if err := r.space.WriteInternal(path, tag.NewValue(v, tag.QualityGood)); err != nil {
		log.Warnf("opcua: %v", err)
	}
}

// HandleExternalWrite services a write arriving from an OPC UA client.
// Writes to CommandOp and ProcedureReq drive the service manager; writes
// to writable bound variables forward to the tag manager. Everything
// else is rejected.
func (r *Runtime) HandleExternalWrite(ctx context.Context, path string, value interface{}) error {
	if ref, ok := r.space.serviceWrites[path]; ok {
		switch ref.Attribute {
		case "CommandOp":
			return r.handleCommand(ctx, ref.Service, value)
		case "ProcedureReq":
			return r.handleProcedureReq(ref.Service, path, value)
		}
		return errors.Errorf("service variable %s is not writable", ref.Attribute)
	}

	if tagName, ok := r.space.writableTags[path]; ok {
		if r.tags == nil {
			return errors.New("no tag manager attached")
		}
		if err := r.tags.Write(ctx, tagName, value); err != nil {
			return errors.Wrapf(err, "write %s", tagName)
		}
		return nil
	}

	if _, ok := r.space.Node(path); !ok {
		return errors.Errorf("no node at %q", path)
	}
	return errors.Errorf("node %q is not writable", path)
}

func (r *Runtime) handleCommand(ctx context.Context, svc string, value interface{}) error {
	if r.services == nil {
		return errors.New("no service manager attached")
	}
	n, err := toInt(value)
	if err != nil {
		return errors.Wrap(err, "CommandOp")
	}
	cmd, err := packml.CommandFromInt(n)
	if err != nil {
		return errors.Errorf("CommandOp %d out of range", n)
	}

	opts := CommandOpts{Actor: "opcua"}
	if cmd == packml.CommandStart {
		r.mu.Lock()
		if proc, ok := r.pending[svc]; ok {
			opts.Procedure = &proc
			delete(r.pending, svc)
		}
		r.mu.Unlock()
	}

	res, err := r.services.SendCommand(ctx, svc, cmd, opts)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.Errorf("command %s rejected in state %s", cmd, res.FromState)
	}
	return nil
}

func (r *Runtime) handleProcedureReq(svc, path string, value interface{}) error {
	n, err := toInt(value)
	if err != nil {
		return errors.Wrap(err, "ProcedureReq")
	}
	if n < 0 {
		return errors.Errorf("ProcedureReq %d out of range", n)
	}
	r.mu.Lock()
	r.pending[svc] = n
	r.mu.Unlock()
	r.mustWrite(path, uint32(n))
	return nil
}

func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float32:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, errors.Errorf("value %v (%T) is not an integer", value, value)
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	if f, err := tag.ToFloat64(v); err == nil {
		return f != 0
	}
	return false
}

// SetDiagnostics refreshes the diagnostics variables
func (r *Runtime) SetDiagnostics(healthy bool, connected, activeAlarms int) {
	base := r.space.Model.NodePath(pea.SectionDiagnostics)
	r.mustWrite(base+".Healthy", healthy)
	r.mustWrite(base+".ConnectedConnectors", uint32(connected))
	r.mustWrite(base+".ActiveAlarms", uint32(activeAlarms))
}

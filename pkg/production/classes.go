// Package production implements the Production Engine: it
// loads a Production document, resolves each Item's class_name through a
// class registry, constructs and wires the Host graph, starts and stops it
// in dependency order, supervises auto-restart, and swaps deploy
// generations atomically.
package production

import (
	"fmt"
	"sync"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/hl7"
	"github.com/conduit-hie/conduit/pkg/host"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// FactoryContext is everything a host factory may wire into the Behaviour
// it builds. The Engine owns Broker/WAL/Tracer and injects handles here —
// Hosts never reach back into the Engine.
type FactoryContext struct {
	Item       config.Item
	ProjectID  string
	Broker     *broker.Broker
	WAL        wal.WAL
	Tracer     *tracer.Tracer
	Logger     *telemetry.Logger
	Transforms map[string]hl7.Transform
}

// Factory builds the Behaviour for one configured Item.
type Factory func(FactoryContext) (host.Behaviour, error)

// ClassRegistry maps class_name -> Factory: a compile-time registered set
// of host kinds indexed by string, no reflection involved.
type ClassRegistry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{m: make(map[string]Factory)}
}

// Register adds a factory. Registering a duplicate class name is a
// programming error and panics at startup rather than failing a deploy.
func (r *ClassRegistry) Register(className string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[className]; ok {
		panic(fmt.Sprintf("production: class %q registered twice", className))
	}
	r.m[className] = f
}

func (r *ClassRegistry) Lookup(className string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[className]
	return f, ok
}

// DefaultClasses returns a registry with the built-in HL7 hosts.
func DefaultClasses() *ClassRegistry {
	r := NewClassRegistry()
	r.Register(hl7.ServiceClassName, func(fc FactoryContext) (host.Behaviour, error) {
		return hl7.NewService(hl7.ServiceOptions{
			Name:      fc.Item.Name,
			ProjectID: fc.ProjectID,
			Settings:  fc.Item.HostSettings,
			Broker:    fc.Broker,
			WAL:       fc.WAL,
			Tracer:    fc.Tracer,
			Logger:    fc.Logger,
		}), nil
	})
	r.Register(hl7.OperationClassName, func(fc FactoryContext) (host.Behaviour, error) {
		return hl7.NewOperation(hl7.OperationOptions{
			Name:      fc.Item.Name,
			ProjectID: fc.ProjectID,
			Settings:  fc.Item.HostSettings,
			Logger:    fc.Logger,
		})
	})
	r.Register(hl7.RouterClassName, func(fc FactoryContext) (host.Behaviour, error) {
		return hl7.NewRouter(hl7.RouterOptions{
			Name:       fc.Item.Name,
			Settings:   fc.Item.HostSettings,
			Rules:      fc.Item.Rules,
			Broker:     fc.Broker,
			Transforms: fc.Transforms,
			Logger:     fc.Logger,
		})
	})
	return r
}

// buildBehaviour resolves one Item through the registry.
func (r *ClassRegistry) buildBehaviour(fc FactoryContext) (host.Behaviour, error) {
	f, ok := r.Lookup(fc.Item.ClassName)
	if !ok {
		return nil, cerrors.New(cerrors.InvalidConfig,
			fmt.Sprintf("production: item %q names unknown class %q", fc.Item.Name, fc.Item.ClassName))
	}
	return f(fc)
}

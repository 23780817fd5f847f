// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/pkg/cell/export"
)

// ErrNoSuchDomain reports a dispatch to an unregistered domain.
type ErrNoSuchDomain struct {
	Name string
}

func (e *ErrNoSuchDomain) Error() string {
	return fmt.Sprintf("gitx: no such domain %q", e.Name)
}

func IsErrNoSuchDomain(err error) bool {
	var e *ErrNoSuchDomain
	return errors.As(err, &e)
}

// ErrNoSuchMethod reports a method the entity does not answer.
type ErrNoSuchMethod struct {
	Domain string
	Method string
}

func (e *ErrNoSuchMethod) Error() string {
	return fmt.Sprintf("gitx: domain %q has no method %q", e.Domain, e.Method)
}

func IsErrNoSuchMethod(err error) bool {
	var e *ErrNoSuchMethod
	return errors.As(err, &e)
}

// EntityFunc answers one method call against one entity of a domain.
type EntityFunc func(ctx context.Context, id, method string, args json.RawMessage) (any, error)

// DomainRouter maps domain names to entity handlers. Callers obtain a
// typed handle with Domain(name).Entity(id) and invoke methods on it;
// there is no dynamic property dispatch anywhere else.
type DomainRouter struct {
	mu      sync.RWMutex
	domains map[string]EntityFunc
}

func NewDomainRouter() *DomainRouter {
	return &DomainRouter{domains: make(map[string]EntityFunc)}
}

func (r *DomainRouter) Register(name string, fn EntityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[name] = fn
}

// Domain resolves a registered domain by name.
func (r *DomainRouter) Domain(name string) (*Domain, error) {
	r.mu.RLock()
	fn, ok := r.domains[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrNoSuchDomain{Name: name}
	}
	return &Domain{name: name, fn: fn}, nil
}

// Domain is a resolved handle on one registered domain.
type Domain struct {
	name string
	fn   EntityFunc
}

// Entity narrows the domain to one entity id.
func (d *Domain) Entity(id string) *Entity {
	return &Entity{domain: d, id: id}
}

// Entity is a typed handle on one entity of a domain.
type Entity struct {
	domain *Domain
	id     string
}

func (e *Entity) Call(ctx context.Context, method string, args json.RawMessage) (any, error) {
	return e.domain.fn(ctx, e.id, method, args)
}

// repositoryEntity is the cell's "repository" domain: the entity id is
// the namespace, and its methods are the runtime operations the HTTP
// surface dispatches through the router.
func (rt *Runtime) repositoryEntity(ctx context.Context, id, method string, args json.RawMessage) (any, error) {
	switch method {
	case "sync":
		var req SyncRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return rt.Sync(ctx, &req)
	case "export":
		var req export.Request
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		job, codec, err := rt.exports.Start(&req)
		if err != nil {
			return nil, err
		}
		rt.WaitUntil(func(ctx context.Context) {
			if err := rt.exports.Run(ctx, job.ID, codec); err != nil {
				logrus.Errorf("export %s: %v", job.ID, err)
			}
		})
		return job, nil
	case "fork":
		var req ForkRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return rt.Fork(ctx, &req)
	case "compact":
		return rt.Compact(ctx)
	default:
		return nil, &ErrNoSuchMethod{Domain: "repository", Method: method}
	}
}

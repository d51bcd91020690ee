// Package server serves a guest module over HTTP. It provides the
// host-specific function layer, the per-request executor and the HTTP
// front end.
package server

import (
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/fault"
	"github.com/woxQAQ/frame-runtime/internal/router"
)

// stateFunc is a host function that needs the request state.
type stateFunc func(c *bridge.Call, s *RequestState)

// hostFunc binds fn under name in module env. Without a request state the
// call fails with a zero result.
func hostFunc(name string, params []bridge.Shape, result bridge.Shape, fn stateFunc) bridge.Func {
	return bridge.Func{Name: name, Params: params, Result: result, Fn: func(c *bridge.Call) {
		s, ok := bridge.StateFrom[*RequestState](c.Ctx)
		if !ok {
			c.Fail(fault.Modulef(name, "no request state"))
			return
		}
		fn(c, s)
	}}
}

// RegisterHost returns the bundle for the routing, request, response,
// auth and session functions. They expect a *RequestState.
func RegisterHost() bridge.Bundle {
	return func(r *bridge.Registry) error {
		var fs []bridge.Func
		fs = append(fs, routeFuncs()...)
		fs = append(fs, requestFuncs()...)
		fs = append(fs, responseFuncs()...)
		fs = append(fs, authFuncs()...)
		fs = append(fs, sessionFuncs()...)
		for _, f := range fs {
			if err := r.Define(bridge.LayerHost, f); err != nil {
				return err
			}
		}
		return nil
	}
}

var (
	none = []bridge.Shape{}
	str  = []bridge.Shape{bridge.Str}
)

func routeFuncs() []bridge.Func {
	return []bridge.Func{
		hostFunc("_http_listen", []bridge.Shape{bridge.I32}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			port := c.I32()
			if port <= 0 || port > 65535 {
				c.Fail(fault.Validationf("_http_listen", "invalid port %d", port))
				return
			}
			s.port = int(port)
			c.ReturnI32(1)
		}),
		hostFunc("_http_route", []bridge.Shape{bridge.Str, bridge.Str, bridge.I32}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			method, path, handler := c.Str(), c.Str(), c.U32()
			addRoute(c, s, method, path, handler, nil)
		}),
		hostFunc("_http_route_protected", []bridge.Shape{bridge.Str, bridge.Str, bridge.I32, bridge.Str}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			method, path, handler, role := c.Str(), c.Str(), c.U32(), c.Str()
			addRoute(c, s, method, path, handler, &role)
		}),
		hostFunc("_http_serve_static", []bridge.Shape{bridge.Str, bridge.Str}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			prefix, dir := c.Str(), c.Str()
			if s.Router == nil {
				c.Fail(fault.Modulef("_http_serve_static", "no router"))
				return
			}
			if err := s.Router.Mount(prefix, dir); err != nil {
				c.Fail(err)
				return
			}
			c.ReturnI32(1)
		}),
	}
}

// addRoute registers a route. A nil role registers a public route.
func addRoute(c *bridge.Call, s *RequestState, method, path string, handler uint32, role *string) {
	if s.Router == nil {
		c.Fail(fault.Modulef(c.Name(), "no router"))
		return
	}
	m, err := router.ParseMethod(method)
	if err != nil {
		c.Fail(err)
		return
	}
	route := router.Route{Method: m, Path: path, Handler: handler}
	if role != nil {
		err = s.Router.AddProtected(route, *role)
	} else {
		err = s.Router.Add(route)
	}
	if err != nil {
		c.Logger.Warn("Route rejected", zap.String("method", method), zap.String("path", path), zap.Error(err))
		c.Fail(err)
		return
	}
	c.ReturnI32(1)
}

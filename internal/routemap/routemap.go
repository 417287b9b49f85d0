// Package routemap maps outgoing message identifiers back to the incoming
// identifier that caused them, so that a component fanning one incoming
// request out into several outgoing ones can route each response back to
// its originator. See spec §4.4.
package routemap

import "distbuildctl/internal/errors"

// RouteMap holds the outgoing -> incoming identifier mapping. An outgoing
// ID is unique across the map; re-adding the same (incoming, outgoing)
// pair is a no-op, and re-adding outgoing with a different incoming is a
// programmer error.
type RouteMap struct {
	routes map[string]string // outgoing -> incoming
}

// New creates an empty RouteMap.
func New() *RouteMap {
	return &RouteMap{routes: make(map[string]string)}
}

// Add records that outgoing was minted on behalf of incoming. Panics if
// outgoing is already mapped to a different incoming id — that would be a
// bug in the caller, not a recoverable runtime condition.
func (r *RouteMap) Add(incoming, outgoing string) {
	if existing, ok := r.routes[outgoing]; ok {
		if existing != incoming {
			panic("routemap: outgoing id " + outgoing + " already routed to a different incoming id")
		}
		return
	}
	r.routes[outgoing] = incoming
}

// GetIncoming returns the incoming id that outgoing was minted for.
func (r *RouteMap) GetIncoming(outgoing string) (string, error) {
	incoming, ok := r.routes[outgoing]
	if !ok {
		return "", errors.New(errors.ErrCodeRouteNotFound, "no route for outgoing id "+outgoing)
	}
	return incoming, nil
}

// GetOutgoing returns every outgoing id routed back to incoming, in no
// particular order. Used for cancellation fan-out.
func (r *RouteMap) GetOutgoing(incoming string) []string {
	var out []string
	for o, i := range r.routes {
		if i == incoming {
			out = append(out, o)
		}
	}
	return out
}

// Remove deletes the route for outgoing.
func (r *RouteMap) Remove(outgoing string) error {
	if _, ok := r.routes[outgoing]; !ok {
		return errors.New(errors.ErrCodeRouteNotFound, "no route for outgoing id "+outgoing)
	}
	delete(r.routes, outgoing)
	return nil
}

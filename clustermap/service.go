package clustermap

import "fmt"

// Service is one of the services a cluster node may expose. The set is closed:
// routing and framing policies are looked up per service instead of being
// decided by the type of the request.
type Service uint8

const (
	ServiceKeyValue Service = iota + 1
	ServiceQuery
	ServiceView
	ServiceSearch
	ServiceAnalytics
	ServiceManagement
)

// Routing is how a request for a service picks its target node.
type Routing uint8

const (
	// RoutePartition sends the request to the owner of the key's partition.
	RoutePartition Routing = iota + 1
	// RouteAny sends the request to any healthy node serving the service.
	RouteAny
)

// Framing is how requests share a connection.
type Framing uint8

const (
	// FramingMultiplexed allows concurrent in-flight requests on a connection,
	// responses are correlated by the connection.
	FramingMultiplexed Framing = iota + 1
	// FramingSerialized allows one request at a time per connection,
	// dispatched in FIFO order.
	FramingSerialized
)

type capabilities struct {
	name    string
	routing Routing
	framing Framing
}

var services = map[Service]capabilities{
	ServiceKeyValue:   {"kv", RoutePartition, FramingMultiplexed},
	ServiceQuery:      {"query", RouteAny, FramingMultiplexed},
	ServiceView:       {"views", RouteAny, FramingSerialized},
	ServiceSearch:     {"search", RouteAny, FramingMultiplexed},
	ServiceAnalytics:  {"analytics", RouteAny, FramingMultiplexed},
	ServiceManagement: {"mgmt", RouteAny, FramingMultiplexed},
}

// Services returns all known services.
func Services() []Service {
	return []Service{
		ServiceKeyValue,
		ServiceQuery,
		ServiceView,
		ServiceSearch,
		ServiceAnalytics,
		ServiceManagement,
	}
}

// ParseService returns the service with the given short name, as used in
// topology documents ("kv", "query", ...).
func ParseService(name string) (Service, error) {
	for svc, caps := range services {
		if caps.name == name {
			return svc, nil
		}
	}

	return 0, fmt.Errorf("unknown service %q", name)
}

func (s Service) String() string {
	if caps, ok := services[s]; ok {
		return caps.name
	}

	return fmt.Sprintf("service(%d)", uint8(s))
}

// Valid reports whether s is one of the known services.
func (s Service) Valid() bool {
	_, ok := services[s]
	return ok
}

// Routing returns the routing strategy for the service.
func (s Service) Routing() Routing {
	return services[s].routing
}

// Framing returns the connection framing policy for the service.
func (s Service) Framing() Framing {
	return services[s].framing
}

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bromq-dev/streams/pkg/topic"
	"github.com/multiformats/go-multiaddr"
)

// ValidationError is a single config problem.
type ValidationError struct {
	Path    string // e.g. "cluster.libp2p.bootstrap[0]"
	Message string // e.g. "invalid multiaddr"
	Hint    string // e.g. "expected /ip4/.../tcp/<port>/p2p/<peerID>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Errors aggregates every problem found by Validate.
type Errors struct {
	List []error
}

func (e *Errors) Error() string {
	msgs := make([]string, len(e.List))
	for i, err := range e.List {
		msgs[i] = err.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (e *Errors) Unwrap() []error { return e.List }

// Validate checks the whole config and returns all problems at once.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateCluster()...)
	errs = append(errs, c.validateTopics()...)
	errs = append(errs, c.validateStream()...)
	errs = append(errs, c.validateAdmin()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateCluster() []error {
	var errs []error
	cc := c.Cluster

	switch cc.Mode {
	case ModeLocal:
	case ModeGossip, ModeWebsocket:
		errs = append(errs, validatePort("cluster.gossip.port", cc.Gossip.Port)...)
		switch cc.Gossip.Profile {
		case "", "lan", "wan", "local":
		default:
			errs = append(errs, ValidationError{
				Path:    "cluster.gossip.profile",
				Message: fmt.Sprintf("unknown profile %q", cc.Gossip.Profile),
				Hint:    "expected lan, wan or local",
			})
		}
		if cc.Mode == ModeWebsocket {
			errs = append(errs, validateHostPort("cluster.websocket.addr", cc.Websocket.Addr)...)
		} else {
			errs = append(errs, validateHostPort("cluster.grpc.addr", cc.GRPC.Addr)...)
		}
	case ModeRedis, ModeHybrid:
		rc := cc.Redis
		if rc.NodeTTL != 0 && rc.HeartbeatInterval != 0 && rc.NodeTTL <= rc.HeartbeatInterval {
			errs = append(errs, ValidationError{
				Path:    "cluster.redis.node_ttl",
				Message: fmt.Sprintf("%s must exceed heartbeat_interval %s", rc.NodeTTL, rc.HeartbeatInterval),
			})
		}
		if cc.Mode == ModeHybrid {
			errs = append(errs, validateHostPort("cluster.grpc.addr", cc.GRPC.Addr)...)
		}
	case ModeConsul:
		errs = append(errs, validateHostPort("cluster.grpc.addr", cc.GRPC.Addr)...)
	case ModeLibp2p:
		for i, addr := range cc.Libp2p.ListenAddrs {
			if _, err := multiaddr.NewMultiaddr(addr); err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("cluster.libp2p.listen_addrs[%d]", i),
					Message: fmt.Sprintf("invalid multiaddr: %v", err),
					Hint:    "expected /ip{4,6}/.../tcp/<port>",
				})
			}
		}
		for i, addr := range cc.Libp2p.Bootstrap {
			errs = append(errs, validateBootstrap(fmt.Sprintf("cluster.libp2p.bootstrap[%d]", i), addr)...)
		}
	default:
		errs = append(errs, ValidationError{
			Path:    "cluster.mode",
			Message: fmt.Sprintf("unknown mode %q", cc.Mode),
			Hint:    "expected local, gossip, websocket, redis, hybrid, consul or libp2p",
		})
	}

	if cc.RoutingAddr != "" && cc.Mode != ModeLibp2p && cc.Mode != ModeRedis {
		errs = append(errs, validateHostPort("cluster.routing_addr", cc.RoutingAddr)...)
	}
	return errs
}

func (c *Config) validateTopics() []error {
	var errs []error
	seen := make(map[string]bool)
	for i, name := range c.Topics {
		path := fmt.Sprintf("topics[%d]", i)
		if err := topic.ValidateName(name); err != nil {
			errs = append(errs, ValidationError{Path: path, Message: err.Error()})
			continue
		}
		if topic.IsSysTopic(name) {
			errs = append(errs, ValidationError{Path: path, Message: "$SYS topics are reserved"})
			continue
		}
		if seen[name] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate topic %q", name)})
		}
		seen[name] = true
	}
	return errs
}

func (c *Config) validateStream() []error {
	if c.Stream.QueueSize < 0 {
		return []error{ValidationError{Path: "stream.queue_size", Message: "must not be negative"}}
	}
	return nil
}

func (c *Config) validateAdmin() []error {
	var errs []error
	if c.Admin.Enabled {
		errs = append(errs, validateHostPort("admin.addr", c.Admin.Addr)...)
	}
	if c.Sys.Enabled && c.Sys.Interval < 0 {
		errs = append(errs, ValidationError{Path: "sys.interval", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Logging.Level),
			Hint:    "expected debug, info, warn or error",
		})
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("unknown format %q", c.Logging.Format),
			Hint:    "expected text or json",
		})
	}
	return errs
}

func validatePort(path string, port int) []error {
	if port < 0 || port > 65535 {
		return []error{ValidationError{Path: path, Message: fmt.Sprintf("port %d out of range", port)}}
	}
	return nil
}

// validateHostPort accepts an empty address, which selects the default.
func validateHostPort(path, addr string) []error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return []error{ValidationError{Path: path, Message: err.Error(), Hint: "expected host:port"}}
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return []error{ValidationError{Path: path, Message: fmt.Sprintf("invalid port %q", port)}}
	}
	return validatePort(path, p)
}

func validateBootstrap(path, addr string) []error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return []error{ValidationError{
			Path:    path,
			Message: fmt.Sprintf("invalid multiaddr: %v", err),
			Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
		}}
	}
	if _, err := ma.ValueForProtocol(multiaddr.P_P2P); err != nil {
		return []error{ValidationError{
			Path:    path,
			Message: "missing /p2p/<peerID> component",
			Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
		}}
	}
	return nil
}

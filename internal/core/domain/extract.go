package domain

import (
	"strconv"
	"strings"
)

// Attribute keys a container can declare.
const (
	AttrHost           = "NPM_HOST"
	AttrPort           = "NPM_PORT"
	AttrScheme         = "NPM_SCHEME"
	AttrSSL            = "NPM_SSL"
	AttrWebSockets     = "NPM_ENABLE_WS"
	AttrHSTS           = "NPM_ENABLE_HSTS"
	AttrAdvancedConfig = "NPM_ADVANCED_CONFIG"
	AttrNetwork        = "NPM_NETWORK"
)

// Extract builds a ProxyDescriptor from a container's declared attributes.
// The forward host is left empty; it depends on the container's networks and
// is filled in by Describe.
func Extract(attrs map[string]string) (ProxyDescriptor, error) {
	host, hasHost := attrs[AttrHost]
	port, hasPort := attrs[AttrPort]
	if !hasHost && !hasPort {
		return ProxyDescriptor{}, ErrNotDeclared
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ProxyDescriptor{}, &ValidationError{Reason: ReasonMissingRequired, Key: AttrHost}
	}
	port = strings.TrimSpace(port)
	if port == "" {
		return ProxyDescriptor{}, &ValidationError{Reason: ReasonMissingRequired, Key: AttrPort}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return ProxyDescriptor{}, &ValidationError{Reason: ReasonInvalidPort, Key: AttrPort, Value: port}
	}

	scheme := SchemeHTTP
	if raw := strings.ToLower(strings.TrimSpace(attrs[AttrScheme])); raw != "" {
		switch Scheme(raw) {
		case SchemeHTTP, SchemeHTTPS:
			scheme = Scheme(raw)
		default:
			return ProxyDescriptor{}, &ValidationError{Reason: ReasonInvalidScheme, Key: AttrScheme, Value: attrs[AttrScheme]}
		}
	}

	return ProxyDescriptor{
		Domain:            host,
		ForwardPort:       p,
		Scheme:            scheme,
		SSLEnabled:        parseBool(attrs[AttrSSL]),
		WebSocketsEnabled: parseBool(attrs[AttrWebSockets]),
		HSTSEnabled:       parseBool(attrs[AttrHSTS]),
		AdvancedConfig:    attrs[AttrAdvancedConfig],
		Network:           strings.TrimSpace(attrs[AttrNetwork]),
	}, nil
}

// Describe extracts the descriptor of c and resolves its forward host.
func Describe(c Container) (ProxyDescriptor, error) {
	d, err := Extract(c.Attributes)
	if err != nil {
		return ProxyDescriptor{}, err
	}
	d.ForwardHost = c.Address(d.Network)
	if d.ForwardHost == "" {
		return ProxyDescriptor{}, ErrNoAddress
	}
	return d, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

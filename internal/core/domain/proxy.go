package domain

// ManagedBy is the ownership marker written into the meta of every proxy
// entry this system creates. Entries without it are never touched.
const ManagedBy = "EnvoyNPM"

// Scheme is the protocol used between the proxy and the container.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// ProxyDescriptor is the validated proxy configuration a container declares.
type ProxyDescriptor struct {
	Domain            string
	ForwardHost       string
	ForwardPort       int
	Scheme            Scheme
	SSLEnabled        bool
	WebSocketsEnabled bool
	HSTSEnabled       bool
	AdvancedConfig    string
	Network           string
}

// EntryMeta is the metadata stored alongside a proxy entry in the backend.
// Extra keeps keys written by the backend itself (or by people) so they
// survive our updates.
type EntryMeta struct {
	ManagedBy   string         `json:"managed_by,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	Extra       map[string]any `json:"-"`
}

// ProxyEntry is a proxy host record of the backend.
type ProxyEntry struct {
	ID                    int       `json:"id"`
	DomainNames           []string  `json:"domain_names"`
	ForwardHost           string    `json:"forward_host"`
	ForwardPort           int       `json:"forward_port"`
	ForwardScheme         Scheme    `json:"forward_scheme"`
	Enabled               bool      `json:"enabled"`
	SSLForced             bool      `json:"ssl_forced"`
	HSTSEnabled           bool      `json:"hsts_enabled"`
	AllowWebsocketUpgrade bool      `json:"allow_websocket_upgrade"`
	AdvancedConfig        string    `json:"advanced_config"`
	Meta                  EntryMeta `json:"meta"`
	Comments              string    `json:"comments"`
}

// Domain returns the primary domain of the entry.
func (e ProxyEntry) Domain() string {
	if len(e.DomainNames) == 0 {
		return ""
	}
	return e.DomainNames[0]
}

// Owned reports whether the entry carries our ownership marker.
func (e ProxyEntry) Owned() bool {
	return e.Meta.ManagedBy == ManagedBy
}

// Clone returns a deep copy so callers can't mutate shared slices or maps.
func (e ProxyEntry) Clone() ProxyEntry {
	out := e
	out.DomainNames = append([]string(nil), e.DomainNames...)
	if e.Meta.Extra != nil {
		out.Meta.Extra = make(map[string]any, len(e.Meta.Extra))
		for k, v := range e.Meta.Extra {
			out.Meta.Extra[k] = v
		}
	}
	return out
}

// Apply overwrites the forward target and flags of the entry with the
// descriptor's values.
func (e *ProxyEntry) Apply(d ProxyDescriptor) {
	e.ForwardHost = d.ForwardHost
	e.ForwardPort = d.ForwardPort
	e.ForwardScheme = d.Scheme
	e.SSLForced = d.SSLEnabled
	e.HSTSEnabled = d.HSTSEnabled
	e.AllowWebsocketUpgrade = d.WebSocketsEnabled
	e.AdvancedConfig = d.AdvancedConfig
}

// Equivalent reports whether two entries would produce the same backend
// state. CreatedAt and unknown meta keys are ignored.
func (e ProxyEntry) Equivalent(o ProxyEntry) bool {
	return e.ForwardHost == o.ForwardHost &&
		e.ForwardPort == o.ForwardPort &&
		e.ForwardScheme == o.ForwardScheme &&
		e.Enabled == o.Enabled &&
		e.SSLForced == o.SSLForced &&
		e.HSTSEnabled == o.HSTSEnabled &&
		e.AllowWebsocketUpgrade == o.AllowWebsocketUpgrade &&
		e.AdvancedConfig == o.AdvancedConfig &&
		e.Meta.ManagedBy == o.Meta.ManagedBy &&
		e.Meta.ContainerID == o.Meta.ContainerID &&
		e.Comments == o.Comments
}

package npm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// Meta keys written by envoy-npm. Anything else in a host's meta is kept as is.
const (
	metaManagedBy   = "managed_by"
	metaContainerID = "container_id"
	metaCreatedAt   = "created_at"
	metaComment     = "comment"
)

// hostRequest is the writable part of an NPM proxy host. Fields the reconciler
// doesn't manage (certificates, access lists, locations) are left out so an
// update never resets them.
type hostRequest struct {
	DomainNames           []string       `json:"domain_names,omitempty"`
	ForwardScheme         string         `json:"forward_scheme,omitempty"`
	ForwardHost           string         `json:"forward_host,omitempty"`
	ForwardPort           int            `json:"forward_port,omitempty"`
	SSLForced             *bool          `json:"ssl_forced,omitempty"`
	HSTSEnabled           *bool          `json:"hsts_enabled,omitempty"`
	AllowWebsocketUpgrade *bool          `json:"allow_websocket_upgrade,omitempty"`
	AdvancedConfig        *string        `json:"advanced_config,omitempty"`
	Meta                  map[string]any `json:"meta,omitempty"`
	Enabled               *bool          `json:"enabled,omitempty"`
}

// hostCreateRequest adds the defaults NPM expects when a host is first created.
type hostCreateRequest struct {
	hostRequest
	AccessListID  int  `json:"access_list_id"`
	CertificateID int  `json:"certificate_id"`
	BlockExploits bool `json:"block_exploits"`
}

type hostResponse struct {
	ID                    int      `json:"id"`
	DomainNames           []string `json:"domain_names"`
	ForwardScheme         string   `json:"forward_scheme"`
	ForwardHost           string   `json:"forward_host"`
	ForwardPort           int      `json:"forward_port"`
	Enabled               flexBool `json:"enabled"`
	SSLForced             flexBool `json:"ssl_forced"`
	HSTSEnabled           flexBool `json:"hsts_enabled"`
	AllowWebsocketUpgrade flexBool `json:"allow_websocket_upgrade"`
	AdvancedConfig        string   `json:"advanced_config"`
	Meta                  rawMeta  `json:"meta"`
}

type tokenRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	Expires string `json:"expires"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// flexBool decodes the booleans of older NPM releases, which are stored as
// 0/1 integers.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// rawMeta accepts meta either as an object or as a JSON encoded string.
type rawMeta map[string]any

func (m *rawMeta) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*m = nil
			return nil
		}
		data = []byte(s)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		// Unparseable meta is treated as empty, which makes the host foreign.
		*m = nil
		return nil
	}
	*m = out
	return nil
}

func (h hostResponse) toEntry() domain.ProxyEntry {
	meta, comment := splitMeta(h.Meta)
	return domain.ProxyEntry{
		ID:                    h.ID,
		DomainNames:           h.DomainNames,
		ForwardHost:           h.ForwardHost,
		ForwardPort:           h.ForwardPort,
		ForwardScheme:         domain.Scheme(h.ForwardScheme),
		Enabled:               bool(h.Enabled),
		SSLForced:             bool(h.SSLForced),
		HSTSEnabled:           bool(h.HSTSEnabled),
		AllowWebsocketUpgrade: bool(h.AllowWebsocketUpgrade),
		AdvancedConfig:        h.AdvancedConfig,
		Meta:                  meta,
		Comments:              comment,
	}
}

func splitMeta(raw map[string]any) (domain.EntryMeta, string) {
	var meta domain.EntryMeta
	var comment string
	for k, v := range raw {
		s, isString := v.(string)
		switch {
		case k == metaManagedBy && isString:
			meta.ManagedBy = s
		case k == metaContainerID && isString:
			meta.ContainerID = s
		case k == metaCreatedAt && isString:
			meta.CreatedAt = s
		case k == metaComment && isString:
			comment = s
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[k] = v
		}
	}
	return meta, comment
}

func joinMeta(meta domain.EntryMeta, comment string) map[string]any {
	out := make(map[string]any, len(meta.Extra)+4)
	for k, v := range meta.Extra {
		out[k] = v
	}
	if meta.ManagedBy != "" {
		out[metaManagedBy] = meta.ManagedBy
	}
	if meta.ContainerID != "" {
		out[metaContainerID] = meta.ContainerID
	}
	if meta.CreatedAt != "" {
		out[metaCreatedAt] = meta.CreatedAt
	}
	if comment != "" {
		out[metaComment] = comment
	}
	return out
}

func entryRequest(e domain.ProxyEntry) hostRequest {
	scheme := string(e.ForwardScheme)
	if scheme == "" {
		scheme = string(domain.SchemeHTTP)
	}
	return hostRequest{
		DomainNames:           e.DomainNames,
		ForwardScheme:         scheme,
		ForwardHost:           e.ForwardHost,
		ForwardPort:           e.ForwardPort,
		SSLForced:             ptr(e.SSLForced),
		HSTSEnabled:           ptr(e.HSTSEnabled),
		AllowWebsocketUpgrade: ptr(e.AllowWebsocketUpgrade),
		AdvancedConfig:        ptr(e.AdvancedConfig),
		Meta:                  joinMeta(e.Meta, e.Comments),
		Enabled:               ptr(e.Enabled),
	}
}

func ptr[T any](v T) *T {
	return &v
}

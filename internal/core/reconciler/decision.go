package reconciler

import (
	"fmt"
	"time"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// State is where a domain stands relative to a container at decision time.
type State int

const (
	StateAbsent State = iota
	StateManagedSame
	StateManagedOther
	StateForeign
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateManagedSame:
		return "managed_same"
	case StateManagedOther:
		return "managed_other"
	case StateForeign:
		return "foreign"
	}
	return "unknown"
}

// Action is what the engine does to the backend.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionUpdate
	ActionDisable
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDisable:
		return "disable"
	}
	return "unknown"
}

// Skip reasons.
const (
	ReasonInSync          = "entry already matches the container"
	ReasonForeign         = "entry is managed outside of " + domain.ManagedBy
	ReasonReuseDisabled   = "domain is bound to another container and reuse is disabled"
	ReasonAlreadyDisabled = "entry is already disabled"
	ReasonOwnerRunning    = "domain is bound to another running container"
)

// Decision is the outcome of the decision table for one domain.
type Decision struct {
	Action        Action
	State         State
	Domain        string
	ContainerID   string
	ContainerName string

	// Current is the registry entry the decision was made against. It is the
	// zero value when State is StateAbsent.
	Current domain.ProxyEntry
	// Desired is the entry as it should look after an update or disable.
	Desired domain.ProxyEntry

	// Descriptor and Meta are what a create sends.
	Descriptor domain.ProxyDescriptor
	Meta       domain.EntryMeta
	Comment    string
	Reason     string
}

// Policy tunes the decision table.
type Policy struct {
	// AllowDomainReuse lets a container take over a domain still bound to
	// another container we manage. The latest declaration wins.
	AllowDomainReuse bool
}

// DefaultPolicy matches the documented behaviour.
func DefaultPolicy() Policy {
	return Policy{AllowDomainReuse: true}
}

// View is the read side of the host registry.
type View interface {
	Get(name string) (domain.ProxyEntry, bool)
	FindByContainer(containerID string) []domain.ProxyEntry
}

// Classify places an entry into one of the four states for containerID.
func Classify(e domain.ProxyEntry, found bool, containerID string) State {
	switch {
	case !found:
		return StateAbsent
	case !e.Owned():
		return StateForeign
	case e.Meta.ContainerID == containerID:
		return StateManagedSame
	default:
		return StateManagedOther
	}
}

// LinkComment is the comment of an entry bound to a running container.
func LinkComment(name, domainName string) string {
	return fmt.Sprintf("Linked to: %s (%s)", name, domainName)
}

// StopComment is the comment of an entry disabled because its container ended.
func StopComment(name string, kind domain.EventKind, at time.Time) string {
	return fmt.Sprintf("Container %s stopped (%s) at %s", name, kind, at.UTC().Format(time.RFC3339))
}

// DecideStart maps a started container and its descriptor onto an action. It
// has no side effects, so replaying the same start yields the same decision.
func DecideStart(v View, c domain.Container, d domain.ProxyDescriptor, now time.Time, p Policy) Decision {
	current, found := v.Get(d.Domain)
	dec := Decision{
		State:         Classify(current, found, c.ID),
		Domain:        d.Domain,
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Current:       current,
		Descriptor:    d,
		Comment:       LinkComment(c.Name, d.Domain),
	}

	switch dec.State {
	case StateAbsent:
		dec.Action = ActionCreate
		dec.Meta = domain.EntryMeta{
			ManagedBy:   domain.ManagedBy,
			ContainerID: c.ID,
			CreatedAt:   now.UTC().Format(time.RFC3339),
		}
		return dec

	case StateForeign:
		dec.Action = ActionSkip
		dec.Reason = ReasonForeign
		return dec

	case StateManagedOther:
		if !p.AllowDomainReuse {
			dec.Action = ActionSkip
			dec.Reason = ReasonReuseDisabled
			return dec
		}
	}

	desired := current.Clone()
	desired.Apply(d)
	desired.Enabled = true
	desired.Comments = dec.Comment
	desired.Meta.ManagedBy = domain.ManagedBy
	desired.Meta.ContainerID = c.ID
	if desired.Meta.CreatedAt == "" {
		desired.Meta.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	dec.Desired = desired

	if dec.State == StateManagedSame && current.Equivalent(desired) {
		dec.Action = ActionSkip
		dec.Reason = ReasonInSync
		return dec
	}
	dec.Action = ActionUpdate
	return dec
}

// KeepRunningOwner turns a rebind into a skip when the container the entry is
// bound to is in running. Sync passes use it so that two running claimants
// of one domain don't take it from each other on every pass; only a start
// event moves the binding.
func KeepRunningOwner(dec Decision, running map[string]struct{}) Decision {
	if dec.State != StateManagedOther || dec.Action != ActionUpdate {
		return dec
	}
	if _, ok := running[dec.Current.Meta.ContainerID]; !ok {
		return dec
	}
	dec.Action = ActionSkip
	dec.Reason = ReasonOwnerRunning
	dec.Desired = domain.ProxyEntry{}
	return dec
}

// DecideStop returns one decision per owned entry bound to containerID. A
// container without entries yields none.
func DecideStop(v View, containerID, name string, kind domain.EventKind, now time.Time) []Decision {
	entries := v.FindByContainer(containerID)
	if len(entries) == 0 {
		return nil
	}
	if name == "" {
		name = shortID(containerID)
	}

	decisions := make([]Decision, 0, len(entries))
	for _, e := range entries {
		dec := Decision{
			State:         StateManagedSame,
			Domain:        e.Domain(),
			ContainerID:   containerID,
			ContainerName: name,
			Current:       e,
		}
		if !e.Enabled {
			dec.Action = ActionSkip
			dec.Reason = ReasonAlreadyDisabled
			decisions = append(decisions, dec)
			continue
		}
		dec.Action = ActionDisable
		dec.Comment = StopComment(name, kind, now)
		dec.Desired = e.Clone()
		dec.Desired.Enabled = false
		dec.Desired.Comments = dec.Comment
		decisions = append(decisions, dec)
	}
	return decisions
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

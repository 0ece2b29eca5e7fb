package subscription

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rickgao/hsm-feed/internal/model"
)

// ErrInvalidChannel is returned for channel numbers below 1.
var ErrInvalidChannel = errors.New("channel must be >= 1")

// Key identifies one instrument on one stream.
type Key struct {
	Kind       model.SubscriptionKind
	Channel    int
	Identifier string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Kind, k.Channel, k.Identifier)
}

func (k Key) less(o Key) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Channel != o.Channel {
		return k.Channel < o.Channel
	}
	return k.Identifier < o.Identifier
}

// Diff is the set of changes needed to move active state to desired state.
type Diff struct {
	ToAdd    []Key
	ToRemove []Key
}

// Empty reports whether nothing needs to be sent.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// Command is one subscribe or unsubscribe frame worth of keys.
type Command struct {
	Kind        model.SubscriptionKind
	Channel     int
	Unsubscribe bool
	Identifiers []string
	Keys        []Key
}

// Commands groups the diff by (kind, channel). Unsubscribes come first so a
// channel never briefly carries both the old and new instrument.
func (d Diff) Commands() []Command {
	cmds := group(d.ToRemove, true)
	return append(cmds, group(d.ToAdd, false)...)
}

func group(keys []Key, unsubscribe bool) []Command {
	type streamKey struct {
		kind    model.SubscriptionKind
		channel int
	}

	sorted := sortKeys(keys)
	var cmds []Command
	index := make(map[streamKey]int)
	for _, k := range sorted {
		sk := streamKey{k.Kind, k.Channel}
		i, ok := index[sk]
		if !ok {
			i = len(cmds)
			index[sk] = i
			cmds = append(cmds, Command{Kind: k.Kind, Channel: k.Channel, Unsubscribe: unsubscribe})
		}
		cmds[i].Identifiers = append(cmds[i].Identifiers, k.Identifier)
		cmds[i].Keys = append(cmds[i].Keys, k)
	}
	return cmds
}

// Registry tracks desired and active subscriptions.
type Registry struct {
	desired map[Key]struct{}
	active  map[Key]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		desired: make(map[Key]struct{}),
		active:  make(map[Key]struct{}),
	}
}

// SetDesired replaces the desired set and returns the diff against the active
// set. On error the desired set is left unchanged.
func (r *Registry) SetDesired(reqs []model.SubscriptionRequest) (Diff, error) {
	desired := make(map[Key]struct{})
	for _, req := range reqs {
		if req.Channel < 1 {
			return Diff{}, fmt.Errorf("%w: got %d", ErrInvalidChannel, req.Channel)
		}
		for _, id := range req.Identifiers() {
			if err := model.ValidateIdentifier(id); err != nil {
				return Diff{}, err
			}
			desired[Key{Kind: req.Kind, Channel: req.Channel, Identifier: id}] = struct{}{}
		}
	}

	r.desired = desired
	return r.Pending(), nil
}

// Pending returns the diff between the desired and active sets.
func (r *Registry) Pending() Diff {
	var d Diff
	for k := range r.desired {
		if _, ok := r.active[k]; !ok {
			d.ToAdd = append(d.ToAdd, k)
		}
	}
	for k := range r.active {
		if _, ok := r.desired[k]; !ok {
			d.ToRemove = append(d.ToRemove, k)
		}
	}
	d.ToAdd = sortKeys(d.ToAdd)
	d.ToRemove = sortKeys(d.ToRemove)
	return d
}

// MarkActive commits keys whose subscribe frame was accepted.
func (r *Registry) MarkActive(keys []Key) {
	for _, k := range keys {
		r.active[k] = struct{}{}
	}
}

// MarkInactive commits keys whose unsubscribe frame was accepted.
func (r *Registry) MarkInactive(keys []Key) {
	for _, k := range keys {
		delete(r.active, k)
	}
}

// Reset clears the active set. Called when the connection that held the
// subscriptions has been torn down; the desired set is kept so the next
// authenticated connection re-issues it.
func (r *Registry) Reset() {
	r.active = make(map[Key]struct{})
}

// Desired returns the desired keys in sorted order.
func (r *Registry) Desired() []Key {
	return sortedSet(r.desired)
}

// Active returns the active keys in sorted order.
func (r *Registry) Active() []Key {
	return sortedSet(r.active)
}

// Wants reports whether any desired key streams identifier.
func (r *Registry) Wants(identifier string) bool {
	for k := range r.desired {
		if k.Identifier == identifier {
			return true
		}
	}
	return false
}

// Streaming reports whether any active key streams identifier.
func (r *Registry) Streaming(identifier string) bool {
	for k := range r.active {
		if k.Identifier == identifier {
			return true
		}
	}
	return false
}

func sortedSet(set map[Key]struct{}) []Key {
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return sortKeys(keys)
}

func sortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

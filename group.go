package dime

import "sort"

// registry is the group membership bipartite graph (spec §4.3, §9): a
// group name maps to its member clients, and each Client carries the
// reverse map. Both halves are touched only from the dispatcher goroutine,
// so no lock guards this type itself — the same "single owning goroutine"
// discipline the vsavkov-kilroy pipeline registry gets from an RWMutex, we
// get for free from the event loop (SPEC_FULL.md §4.5).
type registry struct {
	groups map[string]map[*Client]struct{}
}

func newRegistry() *registry {
	return &registry{groups: make(map[string]map[*Client]struct{})}
}

// join adds c to each named group, idempotently (spec §4.3, §4.4 edge case).
func (r *registry) join(c *Client, names ...string) {
	for _, name := range names {
		members := r.groups[name]
		if members == nil {
			members = make(map[*Client]struct{})
			r.groups[name] = members
		}
		members[c] = struct{}{}
		c.groups[name] = struct{}{}
	}
}

// leave removes c from each named group. Removing the last member leaves
// the (now empty) group entry in place; groups are never deleted, only
// emptied — listNonEmpty already filters on membership count, so an empty
// group is indistinguishable from one that never existed (spec §4.3).
func (r *registry) leave(c *Client, names ...string) {
	for _, name := range names {
		if members, ok := r.groups[name]; ok {
			delete(members, c)
		}
		delete(c.groups, name)
	}
}

// leaveAll removes c from every group it belongs to, used when reaping a
// closed client.
func (r *registry) leaveAll(c *Client) {
	for name := range c.groups {
		if members, ok := r.groups[name]; ok {
			delete(members, c)
		}
	}
	c.groups = make(map[string]struct{})
}

// listNonEmpty returns the sorted names of all groups with >=1 member
// (spec §4.3, the `devices` command).
func (r *registry) listNonEmpty() []string {
	out := make([]string, 0, len(r.groups))
	for name, members := range r.groups {
		if len(members) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// members returns the current members of name, excluding skip (the sender,
// for send fan-out per spec §4.4's self-exclusion rule; broadcast skips the
// sender in its own loop over the client table).
func (r *registry) members(name string, skip *Client) []*Client {
	members := r.groups[name]
	out := make([]*Client, 0, len(members))
	for c := range members {
		if c == skip {
			continue
		}
		out = append(out, c)
	}
	return out
}

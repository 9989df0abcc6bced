package changeset

import "github.com/loanconsult/crm/internal/store"

// Delta lists entity ids by what happened to them in a window of ledger
// events, each id in at most one list, in order of first appearance.
type Delta struct {
	Added   []int64
	Updated []int64
	Removed []int64
}

// Classify folds ledger events (oldest first) into a Delta. An entity
// created and deleted in the same window is dropped entirely.
func Classify(events []store.VersionEvent) Delta {
	type fate struct {
		created bool
		deleted bool
	}
	var order []int64
	fates := map[int64]*fate{}
	for _, e := range events {
		f, ok := fates[e.EntityID]
		if !ok {
			f = &fate{}
			fates[e.EntityID] = f
			order = append(order, e.EntityID)
		}
		switch e.Operation {
		case "create":
			f.created = true
		case "delete":
			f.deleted = true
		}
	}

	var d Delta
	for _, id := range order {
		f := fates[id]
		switch {
		case f.created && f.deleted:
		case f.deleted:
			d.Removed = append(d.Removed, id)
		case f.created:
			d.Added = append(d.Added, id)
		default:
			d.Updated = append(d.Updated, id)
		}
	}
	return d
}

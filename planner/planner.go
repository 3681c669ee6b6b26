// Package planner turns a set of requested bottle moves into an ordered
// route plan the command handlers can walk leg by leg. It generalizes the
// original project's task_optimizer.py grouping/greedy-batch algorithm
// into idiomatic Go: explicit maps plus sorted keys stand in for
// defaultdict, so grouping order — and therefore leg order — is
// deterministic and testable.
package planner

import (
	"sort"

	"labcell/apperr"
	"labcell/inventory"
)

// PickupLeg is one navigation stop of a PICK_UP plan: the bottles grabbed
// from that nav's shelf slots, in walk order.
type PickupLeg struct {
	NavigationPose string
	BottleIDs      []string
}

// PutItem is one bottle released at a specific pose within a PutLeg.
type PutItem struct {
	BottleID    string
	ReleasePose string
}

// PutLeg is one navigation stop of a PUT_TO plan.
type PutLeg struct {
	NavigationPose string
	Items          []PutItem
}

// RejectedBottle names a bottle the planner could not place, with the
// apperr code explaining why.
type RejectedBottle struct {
	BottleID string
	Code     apperr.Code
}

// PickupPlan is Variant A's output. Reservations for every bottle that
// made it into a leg have already been placed on the inventory store;
// the caller commits them as it walks the plan and executes grab_object.
type PickupPlan struct {
	Legs         []PickupLeg
	Rejected     []RejectedBottle
	Reservations map[string]*inventory.Reservation // bottle_id -> back-platform hold
}

// PutPlan is Variant B's output. Reservations mirror PickupPlan's.
type PutPlan struct {
	Legs         []PutLeg
	Rejected     []RejectedBottle
	Reservations map[string]*inventory.Reservation // bottle_id -> destination hold
}

// ReleaseParam is one entry of a PUT_TO or TRANSFER release_params list.
type ReleaseParam struct {
	BottleID    string
	ReleasePose string
}

type sourceInfo struct {
	bottle inventory.Bottle
	nav    string
}

func lookupSource(store *inventory.Store, bottleID string) (sourceInfo, error) {
	b, err := store.LookupBottle(bottleID)
	if err != nil {
		return sourceInfo{}, err
	}
	if b.Location == "" {
		return sourceInfo{}, apperr.New(apperr.CodeSlotUnknown, "bottle has no current location")
	}
	slot, err := store.LookupSlot(b.Location)
	if err != nil {
		return sourceInfo{}, err
	}
	return sourceInfo{bottle: b, nav: slot.NavigationPose}, nil
}

// sortedNavKeys sorts a nav->count grouping by descending group size,
// with ties broken lexicographically on the nav name, matching the
// "size-descending, ties lexicographic" rule shared by Variants A and B.
func sortedNavKeys(sizeOf map[string]int) []string {
	keys := make([]string, 0, len(sizeOf))
	for k := range sizeOf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if sizeOf[keys[i]] != sizeOf[keys[j]] {
			return sizeOf[keys[i]] > sizeOf[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// PlanPickup implements Variant A: group requested bottles by
// navigation_pose (derived from each bottle's current shelf slot), sort
// groups by size descending (ties lexicographic on nav name), sort
// within a group by object_type, then reserve back-platform capacity for
// each bottle in order. Bottles that cannot reserve go to Rejected.
func PlanPickup(store *inventory.Store, bottleIDs []string) PickupPlan {
	plan := PickupPlan{Reservations: make(map[string]*inventory.Reservation)}

	groups := make(map[string][]inventory.Bottle)
	for _, id := range bottleIDs {
		info, err := lookupSource(store, id)
		if err != nil {
			plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: id, Code: apperr.CodeOf(err)})
			continue
		}
		groups[info.nav] = append(groups[info.nav], info.bottle)
	}

	sizeOf := make(map[string]int, len(groups))
	for nav, bs := range groups {
		sizeOf[nav] = len(bs)
	}

	for _, nav := range sortedNavKeys(sizeOf) {
		bottles := groups[nav]
		sort.Slice(bottles, func(i, j int) bool {
			if bottles[i].ObjectType != bottles[j].ObjectType {
				return bottles[i].ObjectType < bottles[j].ObjectType
			}
			return bottles[i].BottleID < bottles[j].BottleID
		})

		var legIDs []string
		for _, b := range bottles {
			backSlot, err := store.BackPlatformSlot(b.ObjectType)
			if err != nil {
				plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: b.BottleID, Code: apperr.CodeOf(err)})
				continue
			}
			res, err := store.Reserve(backSlot.PoseName, b.BottleID)
			if err != nil {
				plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: b.BottleID, Code: apperr.CodeOf(err)})
				continue
			}
			plan.Reservations[b.BottleID] = res
			legIDs = append(legIDs, b.BottleID)
		}
		if len(legIDs) > 0 {
			plan.Legs = append(plan.Legs, PickupLeg{NavigationPose: nav, BottleIDs: legIDs})
		}
	}

	return plan
}

// PlanPut implements Variant B: group by the navigation_pose backing each
// release_pose, sort groups by size descending (ties lexicographic),
// reserve each destination slot in order, and reject bottles whose
// release_pose is full or type-incompatible.
func PlanPut(store *inventory.Store, releases []ReleaseParam) PutPlan {
	plan := PutPlan{Reservations: make(map[string]*inventory.Reservation)}

	type item struct {
		bottleID    string
		releasePose string
	}
	groups := make(map[string][]item)

	for _, rp := range releases {
		slot, err := store.LookupSlot(rp.ReleasePose)
		if err != nil {
			plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: rp.BottleID, Code: apperr.CodeOf(err)})
			continue
		}
		groups[slot.NavigationPose] = append(groups[slot.NavigationPose], item{bottleID: rp.BottleID, releasePose: rp.ReleasePose})
	}

	sizeOf := make(map[string]int, len(groups))
	for nav, items := range groups {
		sizeOf[nav] = len(items)
	}

	for _, nav := range sortedNavKeys(sizeOf) {
		items := groups[nav]
		sort.Slice(items, func(i, j int) bool {
			if items[i].releasePose != items[j].releasePose {
				return items[i].releasePose < items[j].releasePose
			}
			return items[i].bottleID < items[j].bottleID
		})

		var legItems []PutItem
		for _, it := range items {
			res, err := store.Reserve(it.releasePose, it.bottleID)
			if err != nil {
				plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: it.bottleID, Code: apperr.CodeOf(err)})
				continue
			}
			plan.Reservations[it.bottleID] = res
			legItems = append(legItems, PutItem{BottleID: it.bottleID, ReleasePose: it.releasePose})
		}
		if len(legItems) > 0 {
			plan.Legs = append(plan.Legs, PutLeg{NavigationPose: nav, Items: legItems})
		}
	}

	return plan
}

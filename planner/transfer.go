package planner

import (
	"sort"

	"labcell/apperr"
	"labcell/inventory"
)

// TransferBatch is one round of Variant C: a pickup sub-plan immediately
// followed by the put sub-plan for the same bottles. The pickup side of
// a transfer batch never durably occupies the back platform — the bottle
// is put down again before the next batch's pickup begins — so, unlike a
// standalone PICK_UP, TransferBatch.Pickup carries no back-platform
// Reservations for the handler to commit; the handler moves bottles
// straight from source to release_pose via Store.CommitRemove/CommitPlace
// around the physical grab/put calls.
type TransferBatch struct {
	Pickup PickupPlan
	Put    PutPlan
}

// TransferPlan is Variant C's output: an alternating sequence of batches
// that together move every bottle from its source to its release_pose.
type TransferPlan struct {
	Batches  []TransferBatch
	Rejected []RejectedBottle
}

const backPlatformTotalCapacity = 8
const backPlatformPerTypeCapacity = 2

// PlanTransfer implements Variant C: repeatedly fill a simulated
// back-platform (2 per object_type, 8 total) from the bottles still
// awaiting pickup — preferring navs with the most pending items, ties
// lexicographic — emit a pickup sub-plan for that batch, then a put
// sub-plan for the same bottles, until every bottle has moved or no
// further progress can be made.
//
// targetBottleIDs and releases must describe the same bottle_id set; a
// bottle present in only one is the caller's responsibility to reject
// before calling PlanTransfer (the commands package does this up front).
func PlanTransfer(store *inventory.Store, targetBottleIDs []string, releases []ReleaseParam) TransferPlan {
	releaseMap := make(map[string]string, len(releases))
	for _, r := range releases {
		releaseMap[r.BottleID] = r.ReleasePose
	}

	plan := TransferPlan{}
	remaining := append([]string(nil), targetBottleIDs...)

	for len(remaining) > 0 {
		batchIDs, rejected := selectBatch(store, remaining, releaseMap)
		var rejectedIDs []string
		for _, r := range rejected {
			rejectedIDs = append(rejectedIDs, r.BottleID)
		}
		plan.Rejected = append(plan.Rejected, rejected...)
		remaining = removeAll(remaining, rejectedIDs)

		if len(batchIDs) == 0 {
			for _, id := range remaining {
				plan.Rejected = append(plan.Rejected, RejectedBottle{BottleID: id, Code: apperr.CodeInternal})
			}
			break
		}

		pickup := buildPickupLegs(store, batchIDs)

		var batchReleases []ReleaseParam
		for _, id := range batchIDs {
			// selectBatch already rejected any id missing a release pose,
			// so every id reaching here has one.
			batchReleases = append(batchReleases, ReleaseParam{BottleID: id, ReleasePose: releaseMap[id]})
		}

		put := PlanPut(store, batchReleases)

		plan.Batches = append(plan.Batches, TransferBatch{Pickup: pickup, Put: put})
		plan.Rejected = append(plan.Rejected, put.Rejected...)

		remaining = removeAll(remaining, batchIDs)
	}

	return plan
}

// selectBatch picks the subset of remaining bottle ids that fit on a
// simulated back platform (2 per object_type, 8 total). Groups are formed
// by destination navigation_pose (the nav backing each bottle's
// release_pose), not source nav: a batch is chosen to cluster pending
// items by where they are going next, preferring the destination groups
// with the most pending items, ties broken lexicographically. The
// pickup legs actually walked to collect a chosen batch are grouped by
// source nav separately in buildPickupLegs, since that is the axis that
// matters once the robot is gathering bottles rather than choosing which
// ones to gather together.
func selectBatch(store *inventory.Store, remaining []string, releaseMap map[string]string) (batchIDs []string, rejected []RejectedBottle) {
	type srcItem struct {
		bottle inventory.Bottle
	}
	groups := make(map[string][]srcItem)

	for _, id := range remaining {
		info, err := lookupSource(store, id)
		if err != nil {
			rejected = append(rejected, RejectedBottle{BottleID: id, Code: apperr.CodeOf(err)})
			continue
		}
		pose, ok := releaseMap[id]
		if !ok {
			rejected = append(rejected, RejectedBottle{BottleID: id, Code: apperr.CodeBadRequest})
			continue
		}
		destSlot, err := store.LookupSlot(pose)
		if err != nil {
			rejected = append(rejected, RejectedBottle{BottleID: id, Code: apperr.CodeOf(err)})
			continue
		}
		groups[destSlot.NavigationPose] = append(groups[destSlot.NavigationPose], srcItem{bottle: info.bottle})
	}

	sizeOf := make(map[string]int, len(groups))
	for nav, items := range groups {
		sizeOf[nav] = len(items)
	}

	perType := make(map[inventory.ObjectType]int)
	total := 0

	for _, nav := range sortedNavKeys(sizeOf) {
		items := groups[nav]
		sort.Slice(items, func(i, j int) bool {
			if items[i].bottle.ObjectType != items[j].bottle.ObjectType {
				return items[i].bottle.ObjectType < items[j].bottle.ObjectType
			}
			return items[i].bottle.BottleID < items[j].bottle.BottleID
		})
		for _, it := range items {
			if total >= backPlatformTotalCapacity {
				continue
			}
			if perType[it.bottle.ObjectType] >= backPlatformPerTypeCapacity {
				continue
			}
			batchIDs = append(batchIDs, it.bottle.BottleID)
			perType[it.bottle.ObjectType]++
			total++
		}
	}

	return batchIDs, rejected
}

// buildPickupLegs groups an already-capacity-checked batch of bottle ids
// into PickupLeg entries by navigation_pose, without placing any
// back-platform reservation — see TransferBatch's doc comment.
func buildPickupLegs(store *inventory.Store, batchIDs []string) PickupPlan {
	groups := make(map[string][]inventory.Bottle)
	var rejected []RejectedBottle

	for _, id := range batchIDs {
		info, err := lookupSource(store, id)
		if err != nil {
			rejected = append(rejected, RejectedBottle{BottleID: id, Code: apperr.CodeOf(err)})
			continue
		}
		groups[info.nav] = append(groups[info.nav], info.bottle)
	}

	sizeOf := make(map[string]int, len(groups))
	for nav, bs := range groups {
		sizeOf[nav] = len(bs)
	}

	var legs []PickupLeg
	for _, nav := range sortedNavKeys(sizeOf) {
		bottles := groups[nav]
		sort.Slice(bottles, func(i, j int) bool {
			if bottles[i].ObjectType != bottles[j].ObjectType {
				return bottles[i].ObjectType < bottles[j].ObjectType
			}
			return bottles[i].BottleID < bottles[j].BottleID
		})
		var ids []string
		for _, b := range bottles {
			ids = append(ids, b.BottleID)
		}
		legs = append(legs, PickupLeg{NavigationPose: nav, BottleIDs: ids})
	}

	return PickupPlan{Legs: legs, Rejected: rejected}
}

func removeAll(ids []string, remove []string) []string {
	if len(remove) == 0 {
		return ids
	}
	skip := make(map[string]bool, len(remove))
	for _, id := range remove {
		skip[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

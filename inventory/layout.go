package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Layout is the on-disk description of a workcell's starting slots and
// bottles. Inventory state itself is never persisted back across
// restarts — this is a one-time bootstrap read, not a durability layer.
type Layout struct {
	Slots   []LayoutSlot   `yaml:"slots"`
	Bottles []LayoutBottle `yaml:"bottles"`
}

type LayoutSlot struct {
	PoseName       string   `yaml:"pose_name"`
	Category       Category `yaml:"category"`
	NavigationPose string   `yaml:"navigation_pose"`
	AcceptedType   ObjectType `yaml:"accepted_type"`
	Capacity       int      `yaml:"capacity"`
}

type LayoutBottle struct {
	BottleID   string     `yaml:"bottle_id"`
	ObjectType ObjectType `yaml:"object_type"`
	Hand       Hand       `yaml:"hand"`
	Location   string     `yaml:"location"`
}

// LoadLayout reads a YAML layout file and builds a populated Store. A
// missing file yields an empty Store rather than an error, so a fresh
// deployment can boot before its layout is authored.
func LoadLayout(path string) (*Store, error) {
	s := New()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("inventory: read layout %s: %w", path, err)
	}

	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("inventory: parse layout %s: %w", path, err)
	}

	occupants := make(map[string][]string)
	for _, b := range layout.Bottles {
		if b.Location != "" {
			occupants[b.Location] = append(occupants[b.Location], b.BottleID)
		}
	}

	for _, sl := range layout.Slots {
		s.RegisterSlot(Slot{
			PoseName:       sl.PoseName,
			Category:       sl.Category,
			NavigationPose: sl.NavigationPose,
			AcceptedType:   sl.AcceptedType,
			Capacity:       sl.Capacity,
			Occupants:      occupants[sl.PoseName],
		})
	}

	for _, b := range layout.Bottles {
		s.RegisterBottle(Bottle{
			BottleID:   b.BottleID,
			ObjectType: b.ObjectType,
			Hand:       b.Hand,
			Location:   b.Location,
		})
	}

	return s, nil
}

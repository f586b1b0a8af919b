package dht

import (
	"sort"

	"github.com/kutluhann/overlay-dht/id_tools"
)

type NodeID = id_tools.NodeID

// sortByDistance orders contacts by ascending XOR distance to target.
func sortByDistance(contacts []Contact, target NodeID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return target.Closer(contacts[i].ID(), contacts[j].ID())
	})
}

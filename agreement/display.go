package agreement

import (
	"fmt"

	"github.com/disiqueira/gotree/v3"
	"go.dedis.ch/escrow/condition"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/store"
)

// Display renders an agreement and its conditions as a tree:
//
//	agreement 0x12.. [pending]
//	├── did: did:op:..
//	├── price: 100
//	├── lockReward 0xab.. [fulfilled]
//	├── access 0xcd.. [unfulfilled]
//	└── escrowReward 0xef.. [unfulfilled]
func Display(a store.Agreement, states [3]ledger.ConditionState) string {
	root := gotree.New(fmt.Sprintf("agreement %s [%s]", a.ID.Hex(), a.Status))
	root.Add("did: " + a.DID)
	root.Add(fmt.Sprintf("price: %s", a.Price))
	parties := root.Add("parties")
	parties.Add("consumer: " + a.Consumer.Hex())
	parties.Add("publisher: " + a.Publisher.Hex())
	root.Add(fmt.Sprintf("created: %s (block %d)", a.StartTime.UTC().Format("2006-01-02 15:04:05"), a.BlockNumber))

	for _, k := range condition.Kinds {
		root.Add(fmt.Sprintf("%s %s [%s]", k, a.ConditionIDs.Of(k).Hex(), states[k]))
	}
	return root.Print()
}

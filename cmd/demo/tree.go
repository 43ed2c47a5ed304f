package main

import (
	"fmt"

	"github.com/comalice/hsmstate"
	"github.com/comalice/hsmstate/builder"
)

// trafficLightTree builds the same three-state traffic light the teacher's
// demo ran, translated onto the new engine: a root with three leaves cycling
// on a "TIMER" event.
func trafficLightTree() (*hsmstate.Tree, error) {
	b := builder.New()
	b.Root("traffic").
		InitialChild(func(*hsmstate.TransitionContext) hsmstate.StateKey { return "red" })

	b.Leaf("red").OnMessage(cycle("red", "green"))
	b.Leaf("green").OnMessage(cycle("green", "yellow"))
	b.Leaf("yellow").OnMessage(cycle("yellow", "red"))

	return b.Build()
}

func cycle(self, next hsmstate.StateKey) func(*hsmstate.MessageContext) hsmstate.MessageResult {
	return func(mctx *hsmstate.MessageContext) hsmstate.MessageResult {
		if mctx.Event.Type != "TIMER" {
			return hsmstate.Unhandled{}
		}
		fmt.Printf("%s -> %s\n", self, next)
		return hsmstate.To(next)
	}
}

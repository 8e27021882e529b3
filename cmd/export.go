package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	sw "github.com/filanov/stateswitch"
	"github.com/spf13/cobra"

	"github.com/emicklei/dot"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/lifecycle"
	"github.com/deco-sec/tower/internal/remediate"
	"github.com/deco-sec/tower/internal/store"
)

type exportFlags struct {
	assetSM    bool
	playbookSM bool
	mermaid    bool
	json       bool
}

var (
	exportFlagSet = &exportFlags{}
)

var cmdExportStatemachine = &cobra.Command{
	Use:   "export-statemachine --asset|--playbook [--json|--mermaid]",
	Short: "Export a JSON or mermaid dump of tower statemachine(s)",
	Run: func(_ *cobra.Command, _ []string) {
		exportStatemachine()
	},
}

func asGraph(s *sw.StateMachineJSON) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}

	for _, transition := range s.TransitionRules {
		_, exists := nodes[transition.DestinationState]
		if !exists {
			nodes[transition.DestinationState] = g.Node(transition.DestinationState)
		}

		for _, sourceState := range transition.SourceStates {
			_, exists := nodes[sourceState]
			if !exists {
				nodes[sourceState] = g.Node(sourceState)
			}

			g.Edge(nodes[sourceState], nodes[transition.DestinationState], transition.Name)
		}
	}

	return g
}

func printStatemachine(j []byte) {
	if exportFlagSet.json {
		fmt.Println(string(j))
		os.Exit(0)
	}

	t := &sw.StateMachineJSON{}
	if err := json.Unmarshal(j, t); err != nil {
		log.Fatal(err)
	}

	fmt.Println(dot.MermaidGraph(asGraph(t), dot.MermaidTopDown))
}

func assetStatemachine() {
	m := lifecycle.NewAssetStateMachine(store.NewMemStore(), events.NoopPublisher{})

	j, err := m.DescribeAsJSON()
	if err != nil {
		log.Fatal(err)
	}

	printStatemachine(j)
}

func playbookStatemachine() {
	m := remediate.NewPlaybookStateMachine(store.NewMemStore())

	j, err := m.DescribeAsJSON()
	if err != nil {
		log.Fatal(err)
	}

	printStatemachine(j)
}

func exportStatemachine() {
	if exportFlagSet.assetSM {
		assetStatemachine()

		return
	}

	if exportFlagSet.playbookSM {
		playbookStatemachine()

		return
	}

	log.Println("expected --asset OR --playbook flag")
	os.Exit(1)
}

func init() {
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.assetSM, "asset", "", false, "export asset lifecycle statemachine")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.playbookSM, "playbook", "", false, "export playbook workflow statemachine")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.mermaid, "mermaid", "", true, "export statemachine in mermaid format")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.json, "json", "", false, "export statemachine in the JSON format")

	rootCmd.AddCommand(cmdExportStatemachine)
}

// Package harness runs multi-node convergence scenarios against the real
// graph, sync engine and pruner.
//
// Nodes share one in-memory network (memnet) and one manual clock, so a
// scenario produces the same DAG and the same canonical orders on every
// run. Results are compared against golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: partition_heal
//	description: "Two nodes diverge while partitioned and converge after"
//	start: 1700000000
//	days_rotation: 0
//	nodes: [a, b]
//	steps:
//	  - connect: [a, b]
//	  - publish: { node: a, content: "a1" }
//	  - disconnect: [a, b]
//	  - sync: a
//	  - advance: 24h
//	  - prune: a
//	assertions:
//	  - type: converged
//	    nodes: [a, b]
//	  - type: count
//	    node: a
//	    count: 6
//
// Every node starts from the genesis its pruner installs at start. Each
// publish advances the shared clock by one second first, so no two local
// events share a timestamp. After every step the harness waits until no
// message is queued and no background fetch is running.
//
// # Assertion Types
//
//   - converged: the listed nodes hold identical canonical orders and tips
//   - count: a node indexes exactly Count events, genesis included
//   - tips: a node has exactly Count tips
//   - genesis: the listed nodes sit on the genesis for boundary At
//   - contents: a node's event contents in canonical order, genesis excluded
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/partition_heal.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
package harness

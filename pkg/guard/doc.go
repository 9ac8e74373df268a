/*
Package guard implements the safety guardrails evaluated before any
mutating cluster operation:

  - G1 bootstrap prerequisite: joining nodes need an active initial master,
    verified in the topology and best-effort on the wire.
  - G2 safe removal: the control-plane set never drops below one node or
    below consensus majority, and removing a control-plane node requires
    explicit confirmation.
  - G3 split roles: mixed add requests run the control-plane part first.
  - G4 node identity: no duplicate hostnames or addresses among non-removed
    nodes.

All checks are pure functions over the topology snapshot (G1's optional
TCP probe aside) and are trivially re-runnable: same inputs, same verdict.
*/
package guard

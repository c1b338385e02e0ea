// Package policy evaluates Rego admission policies with an embedded Open Policy
// Agent engine before a validated workflow is allowed to execute.
//
// The package wraps evaluation results in small decision types, caches
// decisions per workflow fingerprint, and carries the failure postures that
// decide what happens when a policy cannot be evaluated. It is independent of
// the graph and engine packages so policies can be tested in isolation.
package policy

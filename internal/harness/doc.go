// Package harness runs replication scenarios: several replicas in one
// process, connected by an in-memory hub, driven step by step from a YAML
// file and checked against assertions and golden traces.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	schema: ../schema            # optional, defaults to the blog fixture
//	replicas: [a, b]
//	steps:
//	  - replica: a
//	    create: users
//	    as: alice
//	    fields: { username: alice, email: alice@example.com }
//	  - replica: b
//	    update: users
//	    id: $alice
//	    fields: { username: bob }
//	  - replica: b
//	    delete: users
//	    id: $alice
//	    expect_error: restrict
//	  - sync: [a, b, a]
//	  - offline: [b]
//	  - online: [b]
//	  - advance: 3m
//	  - compact: [a]
//	assertions:
//	  - type: converged
//	  - type: row
//	    replica: b
//	    table: users
//	    id: $alice
//	    expect: { username: bob }
//
// Replicas get site ids 01…01, 02…02 and so on in declaration order, so a
// tie between concurrent writes is always won by the replica declared
// later. Row ids are "<replica>-0001", "<replica>-0002", … and can be bound
// to a name with `as:` and referenced as `$name`.
//
// # Assertion Types
//
//   - converged: every replica holds the same live rows
//   - row: a live row exists and its fields match (subset match)
//   - absent: no live row with the id exists
//   - count: the number of live rows in a table
//   - conflicts: the number of unique conflicts a replica reports
package harness

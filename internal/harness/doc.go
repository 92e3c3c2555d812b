// Package harness runs scenario files against a real dispatcher with the
// resolution cache installed.
//
// # Scenario Format
//
// Scenarios may be written in YAML, JSON or CUE (see package loader):
//
//	name: scenario_name
//	description: "What this scenario validates"
//	standard: true          # also install the config and alias extensions
//	indexes:
//	  - name: byEmail
//	    field: email
//	steps:
//	  - send:
//	      - { email: ada@example.com, name: Ada }
//	assertions:
//	  - type: record
//	    index: byEmail
//	    key: ada@example.com
//	    expect: { name: Ada }
//	  - type: state
//	    path: config.mode
//	    expect: strict
//
// Each step is sent as one batch, so it commits as one transaction.
//
// # Assertion Types
//
//   - record: the cached record found by index and key, or by id, contains expect
//   - record_count: the cache holds exactly count records
//   - state: the value at a dotted state path contains expect
//   - absent: nothing is stored at a dotted state path
//   - seq: the final seq equals count
//
// Containment is subset matching: records must hold at least the expected
// fields, lists must match element by element.
//
// # Deterministic Testing
//
// Every run uses sequential ids (id-0001, id-0002, ...) and a logical
// clock starting at 2024-01-01T00:00:00Z, so cached records and traces
// are identical across runs and can be compared against golden files.
// Commits are journaled to an in-memory SQLite database, and the journal
// is verified once the steps have run.
package harness

// Package lifecycle acquires, uses and releases the chain of ephemeral
// resources behind a single remote run: a login credential, a compute
// instance launched with it, and a remote shell session on that instance.
//
// Each resource has an owner ('Credential', 'Compute', 'Session') exposing
// Acquire and an idempotent Release. The 'Coordinator' drives the owners in
// order, and releases whatever was acquired in reverse order on every exit
// path, including failure and cancellation.
package lifecycle

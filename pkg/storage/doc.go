/*
Package storage persists controller state in a single BoltDB file.

Two buckets live in <dataDir>/recsync.db:

	nodes     node records keyed by node id
	sessions  finished sessions keyed by session id

Values are JSON. Node records are written by the registry on every
transition that matters across a restart (registration, lost, retired), so
retired ids stay rejected after the controller comes back. Sessions are
written once, when the orchestrator archives them in a terminal state.

Clock estimates and connection details in a stored node are informational
only; the registry discards them on restore.

Usage:

	store, err := storage.NewBoltStore("/var/lib/recsync")
	if err != nil {
		return err
	}
	defer store.Close()

	nodes, _ := store.ListNodes()
	reg.Restore(nodes)
*/
package storage

// Package sessionkeeper keeps a user's authenticated session and working
// state alive across restarts, network loss and several concurrently
// running instances of the same client.
//
// A Client assembles the components, each usable on its own:
//
//   - store: durable key/value records with TTLs and last-write-wins
//     timestamps (memorystore, filestore, redisstore).
//   - bus: broadcast messaging between instances (memorybus, redisbus).
//   - connection: online and quality tracking with a reconnection schedule.
//   - recovery: error classification, retry policies and a retry queue.
//   - refresh: token refresh that at most one instance performs at a time.
//   - leader: heartbeat-based election of the instance that runs
//     background session checks.
//   - state: versioned, migratable, autosaved state records that other
//     instances observe.
//   - session: the session state machine tying the rest together.
//
// Instances in one process share a memorybus.Hub:
//
//	hub := memorybus.NewHub()
//	a, _ := sessionkeeper.New(cfg, provider, sessionkeeper.WithTransport(hub.Join()))
//	b, _ := sessionkeeper.New(cfg, provider, sessionkeeper.WithTransport(hub.Join()))
//
// Instances in separate processes set Bus.Driver to "redis" and usually the
// redis or file store driver.
package sessionkeeper

// Package dispatch is the job dispatch and worker lifecycle engine for the
// voxeval voice-AI evaluation platform. It matches pending evaluation jobs to
// healthy workers in the correct region, guarantees at-most-one active claim
// per job, detects and recovers from worker failure, and records terminal
// outcomes.
//
// Dispatch is designed as a library, not a service. Import it, configure a
// store, and wire the engine into your own binary (or use cmd/dispatchd).
//
// # Quick Start
//
//	st := memory.New()
//	eng, err := engine.New(st, cat,
//	    engine.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//
// # Architecture
//
// Dispatch follows a composable store pattern where each subsystem (job,
// registry) defines its own store interface. A single backend implements all
// of them. The engine layers two cooperative background sweeps on top: the
// heartbeat monitor's offline demotion and the lease reaper's requeue of
// abandoned jobs. Worker-health bookkeeping and job-recovery bookkeeping are
// deliberately decoupled; neither sweep touches the other's rows.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package dispatch

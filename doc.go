// Package proverd exposes the Go APIs behind the single-binary proof-worker
// gateway that supervises a pool of pet-server processes, routes sessions to
// their pinned workers, and shields prover clients from worker churn. The
// server is designed to run cleanly as PID 1, but the package also makes it
// easy to embed the server in tests or talk to proverd from Go clients.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on `Config.Listen` and launches `Config.PoolSize` worker
// processes from `Config.WorkerCommand`, substituting `{port}` with each
// worker's assigned port.
//
//	cfg := proverd.Config{
//	    Store:         "disk:///var/lib/proverd",
//	    Listen:        ":9474",
//	    PoolSize:      8,
//	    WorkerCommand: []string{"pet-server", "--port", "{port}"},
//	}
//	srv, err := proverd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("proverd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("proverd shutdown: %v", err)
//	    }
//	}()
//
// A session is pinned to one worker for its whole life. When a worker is
// recycled (memory ceiling, unresponsiveness, crash) its generation advances
// and every session pinned to the old generation answers `worker_gone`; the
// in-memory proof states are unrecoverable, so clients log in again and
// replay. Proof-state handles carry the worker generation too, so a stale
// handle is rejected deterministically instead of producing wrong answers.
//
// # Gateway-only mode
//
// Several gateway processes can share one store while a single supervising
// proverd owns the worker pool. Set `Config.GatewayOnly` on the extra
// processes; they skip the supervisor and route against the shared pool
// table.
//
//	cfg := proverd.Config{
//	    Store:       "disk:///var/lib/proverd",
//	    Listen:      ":9475",
//	    GatewayOnly: true,
//	}
//	srv, stop, err := proverd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Client SDK
//
// The Go client (`pkt.systems/proverd/client`) wraps the HTTP API with a
// bounded retry envelope: connection failures back off exponentially with
// jitter, `Retry-After` hints from the server are honoured, and tactic
// execution is never auto-retried once any response has been observed.
//
//	cli, err := client.New("http://127.0.0.1:9474")
//	if err != nil { log.Fatal(err) }
//	ses, err := cli.NewSession(ctx)
//	if err != nil { log.Fatal(err) }
//	state, err := ses.Start(ctx, api.TheoremRef{
//	    Filepath: "theories/List.v",
//	    Line:     42,
//	})
//	if err != nil { log.Fatal(err) }
//	next, err := ses.Run(ctx, state.State, "intros.")
//	if err != nil { log.Fatal(err) }
//	goals, err := ses.Goals(ctx, next.State)
//	if err != nil { log.Fatal(err) }
//
// When the retry budget runs out the client returns an error matching
// `client.ErrUnavailable`; fatal conditions (`session_not_found`,
// `worker_gone`, `stale_handle`, `prover_error`) surface immediately as
// `*client.APIError` so callers can decide whether to replay the session.
//
// # Worker lifecycle
//
// The supervisor probes each worker until it answers, samples resident
// memory at `Config.SampleInterval`, and recycles any worker that crosses
// `Config.MemoryCeilingMB` or stops answering. Recycles drain in-flight
// requests for up to `Config.DrainTimeout` before the process is stopped.
// Repeated crash loops back off exponentially between restart attempts.
// Query-style operations (`goals`, `premises`, `state_equal`, `state_hash`,
// `toc`, `complete_goals`) are answered from a result cache when the same
// worker generation already computed them, so a retried read never touches
// the worker twice.
//
// # Storage backends
//
// Configure the coordination store via `Config.Store`:
//
//   - `mem://` – in-memory (single-process deployments and tests)
//   - `disk:///var/lib/proverd` – disk-backed store for gateway-only
//     deployments that share pool and session state across processes
//
// Consult README.md for flags, environment variables, and operational
// guidance.
package proverd

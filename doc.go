// Package stackd exposes the Go APIs behind a small TCP broker that shares
// one bounded LIFO stack between many short-lived clients.
//
// Each connection carries exactly one request, a push or a pop, framed with
// a one-byte header (see internal/wire). A push onto a full stack and a pop
// from an empty one wait on the open connection until the stack changes;
// waiting requests are served oldest first. At most Config.MaxConnections
// connections are live at once. When the limit is reached, a newcomer either
// replaces the oldest connection (if it is at least Config.EvictAfter old)
// or is answered with a single busy byte.
//
// # Running a server
//
//	cfg := stackd.Config{
//	    Listen:     ":9342",
//	    EvictAfter: 10 * time.Second,
//	}
//	srv, err := stackd.NewServer(cfg, stackd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("stackd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer wraps the same steps, waits until the listener is bound and
// returns a stop function.
//
// # Telemetry
//
// Config.MetricsListen exposes Prometheus metrics for stack depth, live
// connections, parked requests, admission verdicts and request outcomes.
// Config.OTLPEndpoint exports one span per served connection. Config.PprofListen
// starts a pprof listener.
//
// # Clients
//
// The client package issues push and pop requests; cmd/stackd wraps both the
// server and the client in a single binary.
package stackd

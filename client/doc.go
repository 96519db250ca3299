// Package client talks to a stackd server.
//
// Every call opens one connection, sends one request and waits for the
// single reply, mirroring the server's one-request-per-connection protocol:
//
//	cli, err := client.New("127.0.0.1:9342")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cli.Push(ctx, []byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//	item, err := cli.Pop(ctx)
//
// Push blocks while the stack is full and Pop blocks while it is empty; bound
// the wait with the context or WithTimeout. A server at its connection limit
// answers ErrBusy. A server that closes without answering (eviction,
// shutdown) surfaces as ErrClosed.
//
// Addresses are "host:port" for TCP or "unix:///path/to/stackd.sock" for a
// Unix-domain socket.
package client

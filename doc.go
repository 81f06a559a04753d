// Package h3upstream implements the client-facing half of an HTTP/3-over-QUIC
// reverse proxy: the component that terminates a QUIC transport, runs HTTP/3
// semantics on top of it, and bridges each request stream to a backend
// connection managed by surrounding infrastructure.
//
// The QUIC and HTTP/3 wire codecs are provided by github.com/quic-go/quic-go
// and its http3 subpackage; this package configures and drives that library
// rather than reimplementing transport or framing. The backend connection
// pool, TLS configuration, and the connection-ID demultiplexer that routes
// datagrams to a connection are external collaborators, referenced here only
// through the Backend and Demux interfaces.
package h3upstream

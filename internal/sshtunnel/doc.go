// Package sshtunnel runs the port forwards configured on a connection
// profile over an authenticated transport.
//
// A local forward (ssh -L) binds a port on this machine and carries each
// accepted connection to the remote target through a direct-tcpip channel.
// A remote forward (ssh -R) asks the server to listen and dials the local
// target for every forwarded-tcpip channel it opens. Dynamic (SOCKS)
// forwarding is rejected.
//
// Tunnels register with [sshtransport.Transport.OnClose], so losing or
// closing the transport shuts them down along with every connection they
// carry. A replacement transport after a reconnect gets fresh tunnels.
//
// All log lines use the "[tunnel]" prefix.
package sshtunnel

// Mock SOCKS5 proxy for end-to-end testing of socksbridge.
// Serves CONNECT and UDP ASSOCIATE, plus two STUN responders and a UDP echo
// peer so that `socksbridge test` and `socksbridge run` can be exercised
// without internet access.
//
// Usage:
//
//	go run ./test/mockproxy [--addr 127.0.0.1:1080] [--symmetric] [--filtering none|address|port] [--username u --password p]
//
// then, for example:
//
//	socksbridge test --proxy 127.0.0.1:1080 --stun 127.0.0.1:3478,127.0.0.1:3479
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"socksbridge/internal/socks/sockstest"
	"socksbridge/pkg/types"
)

type peer struct {
	name string
	conn *net.UDPConn
	serv func(conn *net.UDPConn)
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// serveSTUN answers binding requests with the sender's address.
func serveSTUN(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
			continue
		}
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
			stun.Fingerprint,
		)
		if err != nil {
			log.WithError(err).Warn("Failed to build STUN response")
			continue
		}
		if _, err := conn.WriteToUDP(resp.Raw, from); err != nil {
			log.WithError(err).Debug("STUN write failed")
			continue
		}
		log.WithFields(log.Fields{
			"local":  conn.LocalAddr().String(),
			"mapped": from.String(),
		}).Info("← Binding request, → mapped address")
	}
}

// serveEcho returns every datagram to its sender.
func serveEcho(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := conn.WriteToUDP(buf[:n], from); err != nil {
			log.WithError(err).Debug("Echo write failed")
		}
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:1080", "SOCKS5 TCP address to listen on")
	stunA := flag.String("stun-a", "127.0.0.1:3478", "first STUN responder address")
	stunB := flag.String("stun-b", "127.0.0.1:3479", "second STUN responder address")
	echo := flag.String("echo", "127.0.0.1:7777", "UDP echo peer address")
	symmetric := flag.Bool("symmetric", false, "use a separate outbound socket per destination (symmetric NAT)")
	filtering := flag.String("filtering", "none", "inbound filtering of relay sockets (none|address|port)")
	username := flag.String("username", "", "require this username")
	password := flag.String("password", "", "password for --username")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var creds *types.Credentials
	if *username != "" {
		creds = &types.Credentials{Username: *username, Password: *password}
	}

	srv := sockstest.New(creds)
	srv.PerDestination = *symmetric
	switch *filtering {
	case "none":
	case "address":
		srv.Filtering = sockstest.FilterAddress
	case "port":
		srv.Filtering = sockstest.FilterAddressPort
	default:
		log.WithField("filtering", *filtering).Fatal("Unknown filtering mode")
	}
	if err := srv.Start(*addr); err != nil {
		log.WithError(err).Fatal("Mock proxy error")
	}

	peers := []*peer{
		{name: "stun", serv: serveSTUN},
		{name: "stun", serv: serveSTUN},
		{name: "echo", serv: serveEcho},
	}
	for i, a := range []string{*stunA, *stunB, *echo} {
		conn, err := listenUDP(a)
		if err != nil {
			log.WithError(err).WithField("addr", a).Fatal("Failed to start peer")
		}
		peers[i].conn = conn
		go peers[i].serv(conn)
		log.WithFields(log.Fields{"peer": peers[i].name, "addr": conn.LocalAddr().String()}).Info("Peer listening")
	}

	log.WithFields(log.Fields{
		"addr":      srv.Addr().String(),
		"symmetric": *symmetric,
		"filtering": *filtering,
		"auth":      creds != nil,
	}).Info("Mock SOCKS5 proxy listening")

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	st := srv.Stats()
	log.WithFields(log.Fields{
		"accepted":      st.Accepted,
		"auth_failures": st.AuthFailures,
		"connects":      st.Connects,
		"associations":  st.Associations,
		"datagrams":     st.Datagrams,
	}).Info("Stats")

	for _, p := range peers {
		p.conn.Close()
	}
	srv.Close()
}

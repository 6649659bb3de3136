// agwproxy sits between AGW clients and a real AGW host, logging every
// frame in both directions. With a verification key it also checks that
// connected data arriving from clients carries a valid signature, and
// strips it before relaying; see the Wrap/SignTransformer pair in the
// library for the client side.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	agw "github.com/ThomasHabets/agw/src"
)

func main() {
	var listen = pflag.StringP("listen", "l", "127.0.0.1:9011", "TCP address to listen on.")
	var addr = pflag.StringP("agw-addr", "c", agw.DefaultAddr, "Upstream AGW host address.")
	var pubKey = pflag.String("verify-key", "", "Public key file; require client data to be signed with its pair.")
	var secKey = pflag.String("secret-key", "", "Secret key file, only read to load the transformer.")
	var verbose = pflag.CountP("verbose", "v", "Increase log verbosity.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - intercepting AGW proxy.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: agwproxy [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *verbose > 0 {
		log.SetLevel(log.DebugLevel)
	}

	var tr agw.Transformer
	if *pubKey != "" {
		var loaded, err = agw.LoadSignTransformer(*pubKey, *secKey)
		if err != nil {
			log.Fatal("loading keys", "err", err)
		}
		tr = loaded
	}

	var listener, listenErr = net.Listen("tcp", *listen)
	if listenErr != nil {
		log.Fatal("listen failed", "err", listenErr)
	}
	log.Info("proxying", "listen", *listen, "upstream", *addr)

	for {
		var stream, acceptErr = listener.Accept()
		if acceptErr != nil {
			log.Error("failed to accept connection", "err", acceptErr)

			continue
		}

		go session(*addr, stream, tr)
	}
}

func session(upstream string, stream net.Conn, tr agw.Transformer) {
	var proxy, err = agw.NewProxy(upstream, stream)
	if err != nil {
		log.Error("failed to create proxy session", "err", err)
		stream.Close() //nolint:errcheck

		return
	}

	proxy.OnFromServer = func(p agw.Packet) (agw.Packet, error) {
		log.Info("from server", "frame", fmt.Sprintf("%+v", p))

		return p, nil
	}
	proxy.OnFromClient = func(p agw.Packet) (agw.Packet, error) {
		log.Info("from client", "frame", fmt.Sprintf("%+v", p))
		if tr == nil {
			return p, nil
		}

		// Authenticate connected data: unwrap verifies the signature
		// and leaves the plain payload for the host.
		if data, ok := p.(agw.Data); ok {
			var plain, err = tr.Unwrap(data.Data)
			if err != nil {
				return nil, fmt.Errorf("client data failed verification: %w", err)
			}
			data.Data = plain

			return data, nil
		}

		return p, nil
	}

	if err := proxy.Run(); err != nil {
		log.Warn("proxy session ended", "err", err)

		return
	}
	log.Info("proxy session ended")
}

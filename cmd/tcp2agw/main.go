// tcp2agw bridges a plain TCP socket to an AX.25 connection through an
// AGW host: bytes in from TCP go out as connected data, and vice versa.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	agw "github.com/ThomasHabets/agw/src"
)

func main() {
	var listen = pflag.StringP("listen", "l", "127.0.0.1:9011", "TCP address to listen on.")
	var addr = pflag.StringP("agw-addr", "c", agw.DefaultAddr, "AGW host address.")
	var port = pflag.Uint8P("port", "p", 0, "Host radio port.")
	var pid = pflag.Uint8P("pid", "P", 0xF0, "AX.25 PID.")
	var verbose = pflag.CountP("verbose", "v", "Increase log verbosity.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - bridge a TCP socket to an AX.25 connection.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: tcp2agw [options] mycall remotecall\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *verbose > 0 {
		log.SetLevel(log.DebugLevel)
	}

	if pflag.NArg() != 2 {
		pflag.Usage()
		os.Exit(2)
	}

	if err := run(*listen, *addr, *port, *pid, pflag.Arg(0), pflag.Arg(1)); err != nil {
		log.Fatal("bridge failed", "err", err)
	}
}

func run(listen, addr string, port, pid uint8, mycall, remote string) error {
	var src, srcErr = agw.ParseCall(mycall)
	if srcErr != nil {
		return srcErr
	}
	var dst, dstErr = agw.ParseCall(remote)
	if dstErr != nil {
		return dstErr
	}

	client, err := agw.Open(addr)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	if err := client.RegisterCallsign(port, pid, src); err != nil {
		return err
	}

	conn, err := client.Connect(port, pid, src, dst, nil)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck
	log.Info("circuit up", "banner", conn.ConnectString())

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	defer listener.Close() //nolint:errcheck
	log.Info("listening", "addr", listen)

	stream, err := listener.Accept()
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	return bidir(conn, stream)
}

// bidir pumps bytes both ways. It returns once reading from the circuit
// fails (the remote disconnected, for one) or a write to TCP fails; the TCP
// side closing ends only the TCP-to-radio pump.
func bidir(conn *agw.Connection, stream net.Conn) error {
	var sender = conn.Sender()
	var writer = conn.MakeWriter()

	// Up: TCP to radio.
	var upDone = make(chan error, 1)
	go func() {
		var buf = make([]byte, 1024)
		for {
			var n, readErr = stream.Read(buf)
			if n > 0 {
				if err := sender.Send(writer.Data(buf[:n])); err != nil {
					upDone <- err

					return
				}
			}
			if readErr != nil {
				upDone <- readErr

				return
			}
		}
	}()

	// Down: radio to TCP.
	for {
		var data, readErr = conn.Read()
		if readErr != nil {
			if !errors.Is(readErr, agw.ErrRemoteDisconnected) {
				log.Warn("reading from AGWPE", "err", readErr)
			}

			break
		}
		if _, err := stream.Write(data); err != nil {
			log.Warn("writing to TCP", "err", err)

			break
		}
	}

	stream.Close() //nolint:errcheck
	if err := <-upDone; err != nil {
		log.Debug("upstream pump ended", "err", err)
	}

	return nil
}

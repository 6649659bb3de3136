// agwterm is a line-mode terminal for connected AX.25 sessions: type a
// line, it goes out on the circuit; whatever the remote station sends is
// printed. Every exchange can be appended to a JSON contact log.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	agw "github.com/ThomasHabets/agw/src"
)

// logEntry is one line of the contact log.
type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Src       string    `json:"src,omitempty"`
	Dst       string    `json:"dst,omitempty"`
	Data      string    `json:"data,omitempty"`
	Meta      string    `json:"meta,omitempty"`
}

type contactLog struct {
	f *os.File
}

func openContactLog(path string) (*contactLog, error) {
	if path == "" {
		return &contactLog{}, nil
	}

	var f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &contactLog{f: f}, nil
}

func (l *contactLog) write(e logEntry) {
	if l.f == nil {
		return
	}

	e.Timestamp = time.Now()
	var line, err = json.Marshal(e)
	if err != nil {
		log.Error("failed to marshal log entry", "err", err)

		return
	}

	if _, err := l.f.Write(append(line, '\n')); err != nil {
		log.Error("failed to log", "err", err)
	}
}

func (l *contactLog) close() {
	if l.f != nil {
		l.write(logEntry{Meta: "Log closing"})
		l.f.Close() //nolint:errcheck
	}
}

func main() {
	var configFile = pflag.String("config", "", "Config file.")
	var addr = pflag.StringP("agw-addr", "c", agw.DefaultAddr, "AGW host address.")
	var port = pflag.Uint8P("port", "p", 0, "Host radio port.")
	var pid = pflag.Uint8P("pid", "P", 0xF0, "AX.25 PID.")
	var cqLog = pflag.StringP("cq-log", "C", "", "Append contacts to this JSON log file.")
	var verbose = pflag.CountP("verbose", "v", "Increase log verbosity.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - line terminal for AX.25 connected mode via an AGW host.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: agwterm [options] mycall remotecall\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	switch {
	case *verbose >= 2:
		log.SetLevel(log.DebugLevel)
	case *verbose == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}

	if pflag.NArg() != 2 {
		pflag.Usage()
		os.Exit(2)
	}

	var cfg = agw.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = agw.LoadConfig(*configFile)
		if err != nil {
			log.Fatal("loading config", "err", err)
		}
	}
	if pflag.CommandLine.Changed("agw-addr") {
		cfg.Addr = *addr
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if pflag.CommandLine.Changed("pid") {
		cfg.PID = *pid
	}

	if err := run(cfg, *cqLog, pflag.Arg(0), pflag.Arg(1)); err != nil {
		log.Fatal("terminal failed", "err", err)
	}
}

func run(cfg agw.Config, cqLog, mycall, remote string) error {
	var port, pid = cfg.Port, cfg.PID

	var src, srcErr = agw.ParseCall(mycall)
	if srcErr != nil {
		return srcErr
	}
	var dst, dstErr = agw.ParseCall(remote)
	if dstErr != nil {
		return dstErr
	}

	contacts, err := openContactLog(cqLog)
	if err != nil {
		return err
	}
	defer contacts.close()
	contacts.write(logEntry{Meta: "Log opening"})

	client, err := agw.Open(cfg.Addr)
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

	fmt.Println(conn.ConnectString())

	// Keyboard input runs on its own goroutine, building frames with a
	// Writer so it never touches the circuit itself.
	var sender = conn.Sender()
	var writer = conn.MakeWriter()
	go func() {
		var lines = bufio.NewScanner(os.Stdin)
		for lines.Scan() {
			var data = lines.Text() + "\r"
			contacts.write(logEntry{Src: mycall, Dst: remote, Data: data})
			if err := sender.Send(writer.Data([]byte(data))); err != nil {
				log.Debug("send failed, stdin pump exiting", "err", err)

				return
			}
		}

		// Stdin closed: hang up.
		if err := sender.Send(writer.Disconnect()); err != nil {
			log.Debug("disconnect send failed", "err", err)
		}
	}()

	for {
		var data, readErr = conn.Read()
		if readErr != nil {
			if errors.Is(readErr, agw.ErrRemoteDisconnected) {
				fmt.Println("*** Connection closed")

				return nil
			}

			return readErr
		}

		var plain = ascii7(data)
		contacts.write(logEntry{Src: remote, Dst: mycall, Data: plain})
		fmt.Print(plain)
	}
}

// ascii7 renders radio bytes for a terminal: strip the eighth bit, drop
// NULs.
func ascii7(data []byte) string {
	var s = make([]byte, 0, len(data))
	for _, b := range data {
		if b == 0 {
			continue
		}
		s = append(s, b&0x7f)
	}

	return string(s)
}

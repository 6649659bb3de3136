// agwcli pokes an AGW host from the command line: query its version and
// ports, fire off UI frames, or open a connected-mode session.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	agw "github.com/ThomasHabets/agw/src"
)

var (
	flagConfig  string
	flagAddr    string
	flagPort    uint8
	flagPID     uint8
	flagVerbose int
)

// settings merges the config file and any flags given on the command line.
func settings(cmd *cobra.Command) (agw.Config, error) {
	var cfg, err = agw.LoadConfig(flagConfig)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("agw-addr") {
		cfg.Addr = flagAddr
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("pid") {
		cfg.PID = flagPID
	}

	return cfg, nil
}

func openClient(cmd *cobra.Command) (*agw.Client, agw.Config, error) {
	var cfg, err = settings(cmd)
	if err != nil {
		return nil, cfg, err
	}

	client, err := agw.Open(cfg.Addr)
	if err != nil {
		return nil, cfg, err
	}

	return client, cfg, nil
}

func main() {
	var root = &cobra.Command{
		Use:           "agwcli",
		Short:         "Talk to an AGWPE-compatible packet engine such as Direwolf",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			switch {
			case flagVerbose >= 2:
				log.SetLevel(log.DebugLevel)
			case flagVerbose == 1:
				log.SetLevel(log.InfoLevel)
			default:
				log.SetLevel(log.WarnLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Config file.")
	root.PersistentFlags().StringVarP(&flagAddr, "agw-addr", "c", agw.DefaultAddr, "AGW host address.")
	root.PersistentFlags().Uint8VarP(&flagPort, "port", "p", 0, "Host radio port.")
	root.PersistentFlags().Uint8Var(&flagPID, "pid", 0xF0, "AX.25 PID.")
	root.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "Increase log verbosity.")

	root.AddCommand(versionCmd(), portInfoCmd(), portCapCmd(), unprotoCmd(), connectCmd())

	if err := root.Execute(); err != nil {
		log.Error("failed", "err", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	var home, err = os.UserHomeDir()
	if err != nil {
		return ".agw.yaml"
	}

	return home + "/.agw.yaml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Ask the host for its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var client, _, err = openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			major, minor, err := client.Version()
			if err != nil {
				return err
			}
			fmt.Printf("AGW server version: %d.%d\n", major, minor)

			return nil
		},
	}
}

func portInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portinfo",
		Short: "Ask about the host's radio ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var client, cfg, err = openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			info, err := client.PortInfo(cfg.Port)
			if err != nil {
				return err
			}
			fmt.Println(info)

			return nil
		},
	}
}

func portCapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portcap",
		Short: "Ask for one port's capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var client, cfg, err = openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			caps, err := client.PortCap(cfg.Port)
			if err != nil {
				return err
			}
			fmt.Println(caps)

			return nil
		},
	}
}

func unprotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unproto <src> <dst> <message>",
		Short: "Send a UI frame",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src, srcErr = agw.ParseCall(args[0])
			if srcErr != nil {
				return srcErr
			}
			var dst, dstErr = agw.ParseCall(args[1])
			if dstErr != nil {
				return dstErr
			}

			client, cfg, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			return client.Unproto(cfg.Port, cfg.PID, src, dst, []byte(args[2]))
		},
	}
}

func connectCmd() *cobra.Command {
	var via []string

	var cmd = &cobra.Command{
		Use:   "connect <src> <dst>",
		Short: "Open a connection and print what the remote end sends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src, srcErr = agw.ParseCall(args[0])
			if srcErr != nil {
				return srcErr
			}
			var dst, dstErr = agw.ParseCall(args[1])
			if dstErr != nil {
				return dstErr
			}

			var digis []agw.Call
			for _, v := range via {
				var call, err = agw.ParseCall(v)
				if err != nil {
					return err
				}
				digis = append(digis, call)
			}

			client, cfg, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck

			if err := client.RegisterCallsign(cfg.Port, cfg.PID, src); err != nil {
				return err
			}

			conn, err := client.Connect(cfg.Port, cfg.PID, src, dst, digis)
			if err != nil {
				return err
			}
			defer conn.Close() //nolint:errcheck

			fmt.Fprintln(os.Stderr, conn.ConnectString())

			for {
				var data, readErr = conn.Read()
				if errors.Is(readErr, agw.ErrRemoteDisconnected) {
					fmt.Fprintln(os.Stderr, "*** disconnected")

					return nil
				}
				if readErr != nil {
					return readErr
				}
				fmt.Print(ascii7(data))
			}
		},
	}
	cmd.Flags().StringSliceVar(&via, "via", nil, "Digipeater path, up to "+strconv.Itoa(agw.MaxHops)+" calls.")

	return cmd
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

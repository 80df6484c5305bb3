package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/uber/warmlsp/src/warmlsp/app"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	daemonclient "github.com/uber/warmlsp/src/warmlsp/gateway/daemon-client"
	"github.com/uber/warmlsp/src/warmlsp/internal/core"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type clientFlags struct {
	socket      string
	project     string
	verbose     bool
	autostart   bool
	includeDecl bool
}

func newRootCmd() *cobra.Command {
	var flags clientFlags
	root := &cobra.Command{
		Use:          "warmlsp",
		Short:        "Query a warm language server from the command line",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.socket, "socket", "", "daemon socket path (default from config)")
	root.PersistentFlags().BoolVar(&flags.autostart, "autostart", false, "start the daemon if it is not running")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fx.New(opts()).Run()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions and metrics of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, flags, entity.Request{Action: entity.ActionStatus})
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.autostart = false
			return runQuery(cmd, flags, entity.Request{Action: entity.ActionStop})
		},
	}

	queryCmd := &cobra.Command{
		Use:   "query <action> [args...]",
		Short: "Send one request to the daemon",
		Long: `Send one request to the daemon and print its result.

Actions: definition, type-definition, implementation, references, hover
(path:line:col), symbols (path), workspace-symbols (query), diagnostics
(path...), status, stop-session, stop.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := entity.Request{
				Action:  entity.Action(args[0]),
				Args:    args[1:],
				Verbose: flags.verbose,
			}
			if flags.includeDecl {
				req.Args = append(req.Args, "--include-declaration")
			}
			if req.Action.NeedsProject() {
				root, err := projectRoot(flags.project)
				if err != nil {
					return err
				}
				req.ProjectRoot = root
			}
			return runQuery(cmd, flags, req)
		},
	}
	queryCmd.Flags().StringVarP(&flags.project, "project", "p", "", "project root path or alias (default: working directory)")
	queryCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "stream progress from the daemon")
	queryCmd.Flags().BoolVar(&flags.includeDecl, "include-declaration", false, "include the declaration in references")

	root.AddCommand(daemonCmd, statusCmd, stopCmd, queryCmd)
	return root
}

// projectRoot makes an existing path absolute. Anything else is sent as is and resolved as an alias by the daemon.
func projectRoot(value string) (string, error) {
	if value == "" {
		return os.Getwd()
	}
	if info, err := os.Stat(value); err == nil && info.IsDir() {
		return filepath.Abs(value)
	}
	return value, nil
}

func runQuery(cmd *cobra.Command, flags clientFlags, req entity.Request) error {
	socket := flags.socket
	if socket == "" {
		cfg, err := core.NewConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if socket, err = daemonclient.SocketPath(cfg); err != nil {
			return err
		}
	}

	client := daemonclient.New(daemonclient.Options{
		SocketPath: socket,
		Autostart:  flags.autostart,
	})
	stderr := cmd.ErrOrStderr()
	frame, err := client.Do(context.Background(), req, func(line string) {
		fmt.Fprintln(stderr, line)
	})
	if err != nil {
		return err
	}
	return printFrame(cmd.OutOrStdout(), stderr, frame)
}

func printFrame(stdout, stderr io.Writer, frame entity.Frame) error {
	if frame.Type == entity.FrameError {
		return errors.Newf(errors.Kind(frame.Code), "%s", frame.Message)
	}
	if frame.Code == string(errors.KindNoResult) {
		fmt.Fprintln(stderr, "no result")
		return nil
	}

	raw, ok := frame.Data.(json.RawMessage)
	if !ok {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(stdout)
	return err
}

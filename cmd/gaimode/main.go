// Package main — cmd/gaimode/main.go
//
// gaimode CLI entrypoint.
//
// Usage:
//
//	gaimode run <executable> [args...]
//	gaimode reset-process <pid>
//	gaimode reset-all
//	gaimode status
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/commmrade/gaimode/internal/client"
	"github.com/commmrade/gaimode/internal/service"
	"github.com/commmrade/gaimode/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := client.EnsureDaemonRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "gaimode: warning: could not verify gaimoded is running: %v\n", err)
	}
	sockPath := service.SocketPath()

	switch os.Args[1] {
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: gaimode run <executable> [args...]")
			os.Exit(1)
		}
		if err := client.Run(sockPath, os.Args[2], os.Args[3:]); err != nil {
			fmt.Fprintf(os.Stderr, "gaimode: %v\n", err)
			os.Exit(1)
		}

	case "reset-process":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: gaimode reset-process <pid>")
			os.Exit(1)
		}
		pid, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "gaimode: invalid pid %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		if err := client.SendPIDCommand(sockPath, wire.KindResetProcess, pid); err != nil {
			fmt.Fprintf(os.Stderr, "gaimode: %v\n", err)
			os.Exit(1)
		}

	case "reset-all":
		if err := client.SendResetAll(sockPath); err != nil {
			fmt.Fprintf(os.Stderr, "gaimode: %v\n", err)
			os.Exit(1)
		}

	case "status":
		resp, err := client.QueryStatus(sockPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gaimode: %v\n", err)
			os.Exit(1)
		}
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  gaimode run <executable> [args...]
  gaimode reset-process <pid>
  gaimode reset-all
  gaimode status`)
}

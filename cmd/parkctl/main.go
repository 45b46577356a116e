// Command parkctl sends one operator command to a node's control endpoint.
//
//	parkctl -endpoint tcp://127.0.0.1:7001 start_election
//	parkctl -endpoint tcp://127.0.0.1:9001 -gate 101@127.0.0.1:8001/4 enter_park
//	parkctl token
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/VanDung-dev/ParkGate-Engine/control"
	"github.com/VanDung-dev/ParkGate-Engine/message"
)

func main() {
	endpoint := flag.String("endpoint", "tcp://127.0.0.1:7001", "Control endpoint of the node")
	gate := flag.String("gate", "", "Gate identity (id@host:port/capacity) for enter_park and leave_park")
	token := flag.String("token", os.Getenv("PARK_CONTROL_TOKEN"), "Control token")
	timeout := flag.Duration("timeout", control.DefaultTimeout, "Reply timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <command>\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Commands: say_hello start_election remove_leader terminate enter_park leave_park status")
		fmt.Fprintln(flag.CommandLine.Output(), "       token (print a new PARK_CONTROL_TOKEN and exit)")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if flag.Arg(0) == "token" {
		fmt.Println(control.GenerateToken())
		return
	}

	cmd := control.Command{Type: message.Type(flag.Arg(0)), Token: *token}
	if *gate != "" {
		id, err := message.ParseIdentity(*gate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		cmd.Gate = &id
	}

	client, err := control.Dial(*endpoint, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	reply, err := client.Send(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if reply.Status != "" {
		fmt.Println(reply.Status)
		return
	}
	fmt.Println("ok")
}

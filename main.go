package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "ParkGate-Engine"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("Gate network with leader election and a coordinated capacity mutex")
	fmt.Println("Binaries: cmd/parkgate (node), cmd/parkctl (control), cmd/parksim (simulation)")
	os.Exit(0)
}

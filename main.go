package main

import (
	"fmt"
	"os"

	"github.com/akshad-exe/AirSense/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "airsense: %v\n", err)
		os.Exit(1)
	}
}

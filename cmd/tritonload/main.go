package main

import (
	"fmt"
	"os"

	"github.com/triton-loadgen/triton-loadgen/cmd/tritonload/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

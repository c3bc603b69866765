package main

import "os"

var (
	release = "0.0.0"
	commit  = ""
	date    = "unknown"
)

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

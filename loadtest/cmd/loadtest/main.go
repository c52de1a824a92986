// Package main is the entry point for the chat backend load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Listener saturation test, many idle listen streams on one session
//   - chat:     Full chat lifecycle test, guest pairs exchanging messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Listener saturation test, opens N listen streams on one session")
	fmt.Println("  chat        Full chat lifecycle test, guest pairs create sessions and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

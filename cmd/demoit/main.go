// Command demoit runs multi-file code demo editor sessions and the demo
// store they save to.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/demoit/cmd/demoit/commands"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = commands.ServeCommand(args)
	case "store":
		err = commands.StoreCommand(args)
	case "token":
		err = commands.TokenCommand(args)
	case "login":
		err = commands.LoginCommand(args)
	case "logout":
		err = commands.LogoutCommand(args)
	case "version":
		fmt.Printf("demoit version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("demoit - Multi-file code demos")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  demoit serve [directory]          Start an editor session")
	fmt.Println("  demoit store [directory]          Start the demo store API")
	fmt.Println("  demoit token <profile-id>         Sign a bearer token for a profile")
	fmt.Println("  demoit login <profile-id> <token> Save the profile for editor sessions")
	fmt.Println("  demoit logout                     Forget the saved profile")
	fmt.Println("  demoit version                    Show version")
	fmt.Println("  demoit help                       Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  demoit serve --state demo.json --watch   # Edit a local demo with live reload")
	fmt.Println("  demoit serve --mode production           # Save changes to the demo store")
	fmt.Println("  demoit store --driver postgres --dsn $DATABASE_URL --secret $JWT_SECRET")
	fmt.Println("  demoit login alice $(demoit token alice --secret $JWT_SECRET)")
}

// Command hashpw prints an argon2id hash for a bypass allow-list entry.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rcourtman/quillboard/internal/session"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args, os.Stdout))
}

func run(args []string, out io.Writer) int {
	var secret, email string
	switch len(args) {
	case 2:
		secret = args[1]
	case 3:
		email, secret = args[1], args[2]
	case 1:
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(out, "Usage: hashpw [email] <password>")
			return 1
		}
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return 1
		}
		secret = string(b)
	default:
		fmt.Fprintln(out, "Usage: hashpw [email] <password>")
		return 1
	}

	hash, err := session.HashSecret(secret)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}
	if email != "" {
		fmt.Fprintf(out, "%s=%s\n", email, hash)
		return 0
	}
	fmt.Fprintln(out, hash)
	return 0
}

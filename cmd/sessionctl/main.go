// Command sessionctl manages an authenticated session against the API from a
// terminal. Tokens persist between invocations (cookie jar or token file) and
// are refreshed transparently when the access token expires.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/panyam/authsession/client"
	"github.com/panyam/authsession/internal/logger"
)

func main() {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.New(0).Fatal("failed to load .env", "error", err)
	}

	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	parser := newParser(c)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return 0
		}
		reportError(stderr, err)
		return 1
	}
	return 0
}

// reportError prints API failures with their field errors
func reportError(w io.Writer, err error) {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "error: %s\n", apiErr.Message)
	fields := apiErr.FieldErrors()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, strings.Join(fields[name], "; "))
	}
}

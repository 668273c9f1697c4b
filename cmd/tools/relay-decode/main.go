// cmd/tools/relay-decode/main.go
//
// relay-decode prints text with every relay token replaced by its content.
// It is meant for the last hop before a human reads relay output.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"

	"agent-relay/pkg/token"
)

type options struct {
	Check bool `short:"c" long:"check" description:"only report whether the input contains tokens (exit 1 when it does not)"`
	Args  struct {
		File string `positional-arg-name:"FILE" description:"file to decode; stdin when omitted or -"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	os.Exit(run(opts, os.Stdin, os.Stdout, os.Stderr))
}

func run(opts options, stdin io.Reader, stdout, stderr io.Writer) int {
	in := stdin
	if opts.Args.File != "" && opts.Args.File != "-" {
		f, err := os.Open(opts.Args.File)
		if err != nil {
			fmt.Fprintf(stderr, "relay-decode: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	data, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintf(stderr, "relay-decode: %v\n", err)
		return 2
	}

	text := string(data)
	if opts.Check {
		if token.HasTokens(text) {
			fmt.Fprintln(stdout, "tokens present")
			return 0
		}
		fmt.Fprintln(stdout, "no tokens")
		return 1
	}

	fmt.Fprint(stdout, token.Decode(text))
	return 0
}

// cmd/tools/schema-check/main.go
//
// schema-check parses a relay response schema and optionally runs a sample
// output through the same validation and encoding a provider's answer gets.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/tidwall/pretty"

	"agent-relay/internal/relay/encoder"
	"agent-relay/internal/relay/schema"
)

type options struct {
	Schema string `short:"s" long:"schema" required:"yes" description:"schema file (JSON)"`
	Sample string `short:"o" long:"output" description:"sample provider output to validate and encode (JSON)"`
	Raw    bool   `long:"raw" description:"print compact JSON instead of indented"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	os.Exit(run(opts, os.Stdout, os.Stderr))
}

// run returns 0 when the schema (and sample, if given) are valid, 1 when the
// sample has violations and 2 on any other error.
func run(opts options, stdout, stderr io.Writer) int {
	raw, err := os.ReadFile(opts.Schema)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: %v\n", err)
		return 2
	}
	node, err := schema.Parse(raw)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: invalid schema: %v\n", err)
		return 2
	}

	if opts.Sample == "" {
		fmt.Fprintf(stdout, "schema ok: %s with %d top-level fields, unstructured fields: %t\n",
			node.Kind, len(node.Properties), node.HasUnstructured())
		return 0
	}

	sample, err := os.ReadFile(opts.Sample)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: %v\n", err)
		return 2
	}
	violations, err := schema.ValidateJSON(node, sample)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: sample is not valid JSON: %v\n", err)
		return 2
	}
	if len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintln(stdout, v.String())
		}
		return 1
	}

	out, n, err := encoder.Encode(node, sample)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: encode: %v\n", err)
		return 2
	}
	fmt.Fprintf(stderr, "valid, %d field(s) encoded\n", n)
	stdout.Write(render(out, opts.Raw))
	return 0
}

func render(doc json.RawMessage, raw bool) []byte {
	if raw {
		return append(pretty.Ugly(doc), '\n')
	}
	return pretty.Pretty(doc)
}

// cmd/tools/registry-updater/main.go
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"agent-relay/pkg/registry"
)

type globalOptions struct {
	Path string `short:"p" long:"path" default:"configs/agents.yaml" description:"Path to registry file (.yaml or .json)"`
}

type addCommand struct {
	global *globalOptions
	out    io.Writer

	ID            string   `long:"id" required:"yes" description:"Agent ID (e.g., summarizer)"`
	DisplayName   string   `long:"display-name" description:"Display name"`
	Token         string   `long:"token" description:"Bearer token; generated when omitted"`
	Roles         []string `long:"role" required:"yes" choice:"requester" choice:"provider" description:"Role (repeatable)"`
	Subscriptions []string `long:"subscribe" description:"Provider this agent addresses by default (repeatable)"`
}

func (c *addCommand) Execute(_ []string) error {
	reg, err := registry.LoadRegistry(c.global.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.AgentRegistry{Version: "1.0.0"}
	}

	if _, exists := reg.Find(c.ID); exists {
		return fmt.Errorf("agent with ID %s already exists", c.ID)
	}

	token := c.Token
	generated := token == ""
	if generated {
		token = newToken()
	}
	reg.Agents = append(reg.Agents, registry.Agent{
		ID:            c.ID,
		DisplayName:   c.DisplayName,
		Token:         token,
		Roles:         c.Roles,
		Subscriptions: c.Subscriptions,
	})

	if err := save(reg, c.global.Path); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Added agent: %s\n", c.ID)
	if generated {
		fmt.Fprintf(c.out, "Token: %s\n", token)
	}
	return nil
}

type updateCommand struct {
	global *globalOptions
	out    io.Writer

	ID    string `long:"id" required:"yes" description:"Agent ID to update"`
	Field string `long:"field" required:"yes" choice:"displayName" choice:"token" choice:"roles" choice:"subscriptions" choice:"disabled" description:"Field to update"`
	Value string `long:"value" description:"New value; lists are comma separated"`
}

func (c *updateCommand) Execute(_ []string) error {
	reg, err := registry.LoadRegistry(c.global.Path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	agent, ok := reg.Find(c.ID)
	if !ok {
		return fmt.Errorf("agent with ID %s not found", c.ID)
	}

	switch c.Field {
	case "displayName":
		agent.DisplayName = c.Value
	case "token":
		if c.Value == "" {
			return fmt.Errorf("token must not be empty; use rotate to generate one")
		}
		agent.Token = c.Value
	case "roles":
		agent.Roles = splitList(c.Value)
	case "subscriptions":
		agent.Subscriptions = splitList(c.Value)
	case "disabled":
		disabled, err := strconv.ParseBool(c.Value)
		if err != nil {
			return fmt.Errorf("invalid disabled value: %w", err)
		}
		agent.Disabled = disabled
	}

	if err := save(reg, c.global.Path); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Updated agent %s, field %s\n", c.ID, c.Field)
	return nil
}

type rotateCommand struct {
	global *globalOptions
	out    io.Writer

	ID string `long:"id" required:"yes" description:"Agent ID whose token is replaced"`
}

func (c *rotateCommand) Execute(_ []string) error {
	reg, err := registry.LoadRegistry(c.global.Path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	agent, ok := reg.Find(c.ID)
	if !ok {
		return fmt.Errorf("agent with ID %s not found", c.ID)
	}
	agent.Token = newToken()
	if err := save(reg, c.global.Path); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Token: %s\n", agent.Token)
	return nil
}

type validateCommand struct {
	global *globalOptions
	out    io.Writer
}

func (c *validateCommand) Execute(_ []string) error {
	reg, err := registry.LoadRegistry(c.global.Path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("registry validation failed: %w", err)
	}
	fmt.Fprintf(c.out, "Registry validation passed. Found %d agents.\n", len(reg.Agents))
	return nil
}

type listCommand struct {
	global *globalOptions
	out    io.Writer
}

// Execute prints every agent without its token.
func (c *listCommand) Execute(_ []string) error {
	reg, err := registry.LoadRegistry(c.global.Path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLES\tSUBSCRIPTIONS\tDISABLED")
	for _, a := range reg.Agents {
		subs := strings.Join(a.Subscriptions, ",")
		if subs == "" {
			subs = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", a.ID, strings.Join(a.Roles, ","), subs, a.Disabled)
	}
	return w.Flush()
}

// save refuses to write a registry the relay would reject at startup.
func save(reg *registry.AgentRegistry, path string) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid registry: %w", err)
	}
	return registry.SaveRegistry(reg, path)
}

func newToken() string {
	return "rt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newParser(out io.Writer) *flags.Parser {
	global := &globalOptions{}
	parser := flags.NewParser(global, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "registry-updater"

	parser.AddCommand("add", "Add an agent to the registry",
		"Add an agent. A token is generated and printed when --token is omitted.",
		&addCommand{global: global, out: out})
	parser.AddCommand("update", "Update an existing agent's field",
		"Update one field of an agent. roles and subscriptions take comma separated lists.",
		&updateCommand{global: global, out: out})
	parser.AddCommand("rotate", "Replace an agent's token",
		"Generate a new token for an agent and print it.",
		&rotateCommand{global: global, out: out})
	parser.AddCommand("validate", "Validate the registry file",
		"Check ids, tokens, roles and subscriptions.",
		&validateCommand{global: global, out: out})
	parser.AddCommand("list", "List agents",
		"List agents with their roles and subscriptions. Tokens are not shown.",
		&listCommand{global: global, out: out})
	return parser
}

func main() {
	parser := newParser(os.Stdout)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

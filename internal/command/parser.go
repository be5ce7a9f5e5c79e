// Package command turns raw chat text into typed bot commands. Parsing is
// pure and total: every input maps to exactly one Command, and anything that
// is not recognizably addressed to the bot maps to KindNone so the dispatcher
// can stay silent.
package command

import (
	"regexp"
	"strings"
)

// Kind discriminates the Command variants.
type Kind int

const (
	// KindNone means the text is not a command; the dispatcher must not reply.
	KindNone Kind = iota
	// KindHelp requests the usage text.
	KindHelp
	// KindGenerate requests a one-time code for a (client, service) label.
	KindGenerate
)

// Command is the parsed form of one message. Client and Service are set only
// for KindGenerate; Service may be empty when the bare-label form carried no
// dash.
type Command struct {
	Kind    Kind
	Client  string
	Service string
}

// Label recomposes the oracle lookup label from the parsed parts.
func (c Command) Label() string {
	if c.Service == "" {
		return c.Client
	}
	return c.Client + "-" + c.Service
}

// Both segments share one alphabet, and dashes may appear inside either, so
// the split below has to pick a policy. We split at the LAST dash: the
// leftmost group is greedy, so "!mfa-acme-corp-gmail" yields client
// "acme-corp" and service "gmail". Tests pin this.
var (
	mfaRE  = regexp.MustCompile(`^!mfa-([a-z0-9_\-]+)-([a-z0-9_]+)$`)
	codeRE = regexp.MustCompile(`^code\s+([a-z0-9_\-]+)$`)
)

// Parse maps message text to a Command. Matching is case-insensitive and
// ignores surrounding whitespace. Help phrases: "help", "!mfa", "!mfa-help".
func Parse(text string) Command {
	t := strings.ToLower(strings.TrimSpace(text))

	switch t {
	case "help", "!mfa", "!mfa-help":
		return Command{Kind: KindHelp}
	}

	if m := mfaRE.FindStringSubmatch(t); m != nil {
		return Command{Kind: KindGenerate, Client: m[1], Service: m[2]}
	}

	if m := codeRE.FindStringSubmatch(t); m != nil {
		client, service := splitLabel(m[1])
		return Command{Kind: KindGenerate, Client: client, Service: service}
	}

	return Command{Kind: KindNone}
}

// splitLabel applies the same last-dash policy to a bare label. A label
// without a dash is all client.
func splitLabel(label string) (client, service string) {
	i := strings.LastIndex(label, "-")
	if i <= 0 || i == len(label)-1 {
		return label, ""
	}
	return label[:i], label[i+1:]
}

// Package gateconfig parses gate definitions from the repo-level
// .overseer/gates.toml file and from a task's front-matter block.
// TOML parsing uses github.com/pelletier/go-toml/v2 directly, since this
// package parses TOML itself rather than going through viper's generic
// Unmarshal; front-matter YAML uses gopkg.in/yaml.v3.
package gateconfig

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultTimeoutSecs, DefaultMaxRetries, DefaultPollIntervalSecs, and
// DefaultMaxPendingSecs are the §6 defaults for an omitted gate field.
const (
	DefaultTimeoutSecs      = 300
	DefaultMaxRetries       = 3
	DefaultPollIntervalSecs = 30
	DefaultMaxPendingSecs   = 86400
)

// Entry is one parsed [[gate]] table or front-matter gate mapping, prior
// to being turned into a domain.Gate by the caller (which must supply the
// scope and allocate an id.ID).
type Entry struct {
	Name             string `toml:"name" yaml:"name"`
	Command          string `toml:"command" yaml:"command"`
	TimeoutSecs      int    `toml:"timeout_secs" yaml:"timeout_secs"`
	MaxRetries       int    `toml:"max_retries" yaml:"max_retries"`
	PollIntervalSecs int    `toml:"poll_interval_secs" yaml:"poll_interval_secs"`
	MaxPendingSecs   int    `toml:"max_pending_secs" yaml:"max_pending_secs"`
}

// applyDefaults fills in zero-valued optional fields with §6's defaults.
func (e *Entry) applyDefaults() {
	if e.TimeoutSecs == 0 {
		e.TimeoutSecs = DefaultTimeoutSecs
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	if e.PollIntervalSecs == 0 {
		e.PollIntervalSecs = DefaultPollIntervalSecs
	}
	if e.MaxPendingSecs == 0 {
		e.MaxPendingSecs = DefaultMaxPendingSecs
	}
}

type gatesFile struct {
	Gate []Entry `toml:"gate"`
}

// ParseRepoGates parses the contents of a repo's .overseer/gates.toml.
// A missing or empty file is not an error; it simply yields no entries.
func ParseRepoGates(data []byte) ([]Entry, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var doc gatesFile
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Gate {
		doc.Gate[i].applyDefaults()
	}
	return doc.Gate, nil
}

// FrontMatter is the structured mapping a task's front-matter block
// decodes into (§6: "key gates: [ {name, command, ...} ]").
type FrontMatter struct {
	Gates []Entry `yaml:"gates"`
}

// SplitContext splits a task's context per §4.2.1 / §6: if the context
// begins with a line containing exactly "---", the body up to the next
// "---" line is the front-matter section; the remainder is the stored
// context. If the context does not begin with a "---" line, front matter
// is empty and the whole input is the stored context unchanged.
func SplitContext(context string) (frontMatter string, remainder string, hasFrontMatter bool) {
	lines := strings.Split(context, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", context, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := strings.Join(lines[1:i], "\n")
			rest := strings.Join(lines[i+1:], "\n")
			rest = strings.TrimPrefix(rest, "\n")
			return fm, rest, true
		}
	}
	// Opening delimiter with no closing delimiter: treat the whole thing
	// as plain context rather than guessing at a malformed document.
	return "", context, false
}

// ParseFrontMatter decodes a front-matter YAML block into gate entries,
// applying §6's defaults to each.
func ParseFrontMatter(frontMatter string) ([]Entry, error) {
	if strings.TrimSpace(frontMatter) == "" {
		return nil, nil
	}
	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(frontMatter), &fm); err != nil {
		return nil, err
	}
	for i := range fm.Gates {
		fm.Gates[i].applyDefaults()
	}
	return fm.Gates, nil
}

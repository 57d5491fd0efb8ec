package migrator

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"go.hackfix.me/lockstep/crypto"
)

// manifest is the TOML representation of a migration script:
//
//	[[step]]
//	name = "drop_stale"
//	kind = "drop"
//	statements = [
//	    "DROP TABLE IF EXISTS UserGroups",
//	]
type manifest struct {
	Steps []manifestStep `toml:"step"`
}

type manifestStep struct {
	Name       string   `toml:"name"`
	Kind       string   `toml:"kind"`
	Statements []string `toml:"statements"`
}

// ParseManifest parses a migration script in TOML manifest form. Each step
// declares its name, kind and statements explicitly, and each statements
// entry must contain a single SQL statement.
func ParseManifest(name string, src []byte) (*Script, error) {
	var m manifest
	if err := toml.Unmarshal(src, &m); err != nil {
		return nil, &ScriptError{Script: name, Msg: fmt.Sprintf("invalid TOML: %s", err)}
	}

	script := &Script{sum: crypto.Checksum(src)}
	names := map[string]struct{}{}
	for _, ms := range m.Steps {
		if !stepNameRx.MatchString(ms.Name) {
			return nil, &ScriptError{Script: name, Msg: fmt.Sprintf("invalid step name %q", ms.Name)}
		}
		if _, ok := names[ms.Name]; ok {
			return nil, &ScriptError{Script: name, Msg: fmt.Sprintf("duplicate step name %q", ms.Name)}
		}
		names[ms.Name] = struct{}{}

		kind := Kind(ms.Kind)
		if !kind.valid() {
			return nil, &ScriptError{
				Script: name,
				Msg:    fmt.Sprintf("unknown step kind %q in step %q; must be drop, create, backfill or rename", ms.Kind, ms.Name),
			}
		}

		step := &Step{Name: ms.Name, Kind: kind}
		for _, raw := range ms.Statements {
			text := strings.TrimSpace(raw)
			if !strings.HasSuffix(text, ";") {
				text += ";"
			}
			stmts, err := splitStatements(name, text, 0)
			if err != nil {
				return nil, err
			}
			if len(stmts) != 1 {
				return nil, &ScriptError{
					Script: name,
					Msg:    fmt.Sprintf("step %q: each statements entry must contain exactly one statement", ms.Name),
				}
			}
			step.Statements = append(step.Statements, stmts[0])
		}
		script.Steps = append(script.Steps, step)
	}

	if err := checkSteps(name, script.Steps); err != nil {
		return nil, err
	}

	return script, nil
}

package migrator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.hackfix.me/lockstep/crypto"
)

var stepNameRx = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ParseSQL parses a SQL migration script into its steps. Steps are declared
// with directive comments, and every statement belongs to the step declared
// above it:
//
//	-- +step create_group_schema create
//	CREATE TABLE UserGroups (...);
//
// Statements must be terminated with semicolons, and must match the kind
// declared by their step.
func ParseSQL(name string, src []byte) (*Script, error) {
	script := &Script{sum: crypto.Checksum(src)}

	var (
		step      *Step
		stepNames = map[string]struct{}{}
		pending   strings.Builder
	)
	pendingLine := 1

	flush := func() error {
		stmts, err := splitStatements(name, pending.String(), pendingLine)
		if err != nil {
			return err
		}
		if len(stmts) == 0 {
			return nil
		}
		if step == nil {
			return &ScriptError{
				Script: name, Line: stmts[0].Line,
				Msg: "statement outside of any step; declare one with '-- +step <name> <kind>'",
			}
		}
		step.Statements = append(step.Statements, stmts...)
		return nil
	}

	lines := strings.Split(string(src), "\n")
	for i, line := range lines {
		lineno := i + 1
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "-- +") {
			pending.WriteString(line)
			pending.WriteByte('\n')
			continue
		}

		if err := flush(); err != nil {
			return nil, err
		}
		pending.Reset()
		pendingLine = lineno + 1

		fields := strings.Fields(trimmed)
		if fields[1] != "+step" {
			return nil, &ScriptError{
				Script: name, Line: lineno, Msg: fmt.Sprintf("unknown directive %q", fields[1]),
			}
		}
		if len(fields) != 4 {
			return nil, &ScriptError{
				Script: name, Line: lineno, Msg: "step directive must be '-- +step <name> <kind>'",
			}
		}

		stepName, kind := fields[2], Kind(fields[3])
		if !stepNameRx.MatchString(stepName) {
			return nil, &ScriptError{
				Script: name, Line: lineno, Msg: fmt.Sprintf("invalid step name %q", stepName),
			}
		}
		if !kind.valid() {
			return nil, &ScriptError{
				Script: name, Line: lineno,
				Msg: fmt.Sprintf("unknown step kind %q; must be drop, create, backfill or rename", string(kind)),
			}
		}
		if _, ok := stepNames[stepName]; ok {
			return nil, &ScriptError{
				Script: name, Line: lineno, Msg: fmt.Sprintf("duplicate step name %q", stepName),
			}
		}
		stepNames[stepName] = struct{}{}

		step = &Step{Name: stepName, Kind: kind}
		script.Steps = append(script.Steps, step)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := checkSteps(name, script.Steps); err != nil {
		return nil, err
	}

	return script, nil
}

// checkSteps verifies that every step has statements, and that every
// statement matches the kind its step declares.
func checkSteps(script string, steps []*Step) error {
	if len(steps) == 0 {
		return &ScriptError{Script: script, Msg: "script contains no steps"}
	}
	for _, st := range steps {
		if len(st.Statements) == 0 {
			return &ScriptError{Script: script, Msg: fmt.Sprintf("step %q contains no statements", st.Name)}
		}
		for _, stmt := range st.Statements {
			if k := stmt.verb.kind(); k != st.Kind {
				return &ScriptError{
					Script: script, Line: stmt.Line,
					Msg: fmt.Sprintf("%s statement in step %q of kind %s", k, st.Name, st.Kind),
				}
			}
		}
	}
	return nil
}

// splitStatements splits SQL text into individual statements, honoring
// string literals, quoted identifiers and comments. Each statement must end
// with a semicolon. Text consisting only of comments and whitespace is
// dropped. Line numbers are tracked from startLine; pass 0 to disable them.
func splitStatements(script, text string, startLine int) ([]*Statement, error) {
	const (
		stNormal = iota
		stLineComment
		stBlockComment
		stSingle
		stDouble
		stBacktick
		stBracket
	)

	var (
		stmts      []*Statement
		b          strings.Builder
		state      = stNormal
		line       = startLine
		stmtLine   int
		hasContent bool
	)

	emit := func() error {
		raw := strings.TrimSpace(b.String())
		b.Reset()
		if !hasContent {
			stmtLine = 0
			return nil
		}
		stmt, err := inspect(script, raw, stmtLine)
		if err != nil {
			return err
		}
		stmts = append(stmts, stmt)
		stmtLine = 0
		hasContent = false
		return nil
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		if r == '\n' && line > 0 {
			line++
		}

		switch state {
		case stLineComment:
			b.WriteRune(r)
			if r == '\n' {
				state = stNormal
			}
		case stBlockComment:
			b.WriteRune(r)
			if r == '*' && next == '/' {
				b.WriteRune(next)
				i++
				state = stNormal
			}
		case stSingle:
			b.WriteRune(r)
			if r == '\'' {
				if next == '\'' {
					b.WriteRune(next)
					i++
				} else {
					state = stNormal
				}
			}
		case stDouble:
			b.WriteRune(r)
			if r == '"' {
				if next == '"' {
					b.WriteRune(next)
					i++
				} else {
					state = stNormal
				}
			}
		case stBacktick:
			b.WriteRune(r)
			if r == '`' {
				state = stNormal
			}
		case stBracket:
			b.WriteRune(r)
			if r == ']' {
				state = stNormal
			}
		default:
			switch {
			case r == '-' && next == '-':
				b.WriteRune(r)
				b.WriteRune(next)
				i++
				state = stLineComment
			case r == '/' && next == '*':
				b.WriteRune(r)
				b.WriteRune(next)
				i++
				state = stBlockComment
			case r == ';':
				if err := emit(); err != nil {
					return nil, err
				}
			default:
				b.WriteRune(r)
				switch r {
				case '\'':
					state = stSingle
				case '"':
					state = stDouble
				case '`':
					state = stBacktick
				case '[':
					state = stBracket
				}
				if !unicode.IsSpace(r) && !hasContent {
					hasContent = true
					stmtLine = line
				}
			}
		}
	}

	switch state {
	case stSingle, stDouble, stBacktick, stBracket:
		return nil, &ScriptError{Script: script, Line: stmtLine, Msg: "unterminated string or quoted identifier"}
	case stBlockComment:
		return nil, &ScriptError{Script: script, Line: stmtLine, Msg: "unterminated block comment"}
	}
	if hasContent {
		return nil, &ScriptError{Script: script, Line: stmtLine, Msg: "statement is missing a terminating semicolon"}
	}

	return stmts, nil
}

// inspect classifies a statement and extracts the schema objects it touches.
// It is a reference scan of the statement forms migration scripts are
// allowed to contain, not a full SQL parser.
func inspect(script, sql string, line int) (*Statement, error) {
	perr := func(format string, args ...any) error {
		return &ScriptError{Script: script, Line: line, Msg: fmt.Sprintf(format, args...)}
	}

	toks := tokenize(sql)
	if len(toks) == 0 {
		return nil, perr("empty statement")
	}

	stmt := &Statement{SQL: sql, Line: line}

	cte := map[string]struct{}{}
	i := 0
	if toks[0].isKw("WITH") {
		var err error
		i, err = skipCTEs(toks, cte)
		if err != nil {
			return nil, perr("%s", err)
		}
	}

	switch {
	case kwAt(toks, i, "CREATE"):
		return stmt, inspectCreate(stmt, toks, i, cte, perr)
	case kwAt(toks, i, "DROP"):
		return stmt, inspectDrop(stmt, toks, i, perr)
	case kwAt(toks, i, "ALTER"):
		return stmt, inspectAlter(stmt, toks, i, perr)
	case kwAt(toks, i, "INSERT"), kwAt(toks, i, "REPLACE"):
		j := i + 1
		if toks[i].isKw("INSERT") {
			if kwAt(toks, j, "OR") {
				j += 2
			}
		}
		if !kwAt(toks, j, "INTO") {
			return nil, perr("malformed INSERT statement")
		}
		name, j2, err := objectName(toks, j+1)
		if err != nil {
			return nil, perr("malformed INSERT statement: %s", err)
		}
		stmt.verb = verbInsert
		stmt.writes = name
		stmt.reads = sources(toks[j2:], cte, "")
		return stmt, nil
	case kwAt(toks, i, "UPDATE"):
		j := i + 1
		if kwAt(toks, j, "OR") {
			j += 2
		}
		name, j2, err := objectName(toks, j)
		if err != nil {
			return nil, perr("malformed UPDATE statement: %s", err)
		}
		stmt.verb = verbUpdate
		stmt.writes = name
		stmt.reads = sources(toks[j2:], cte, "")
		return stmt, nil
	case kwAt(toks, i, "DELETE"):
		if !kwAt(toks, i+1, "FROM") {
			return nil, perr("malformed DELETE statement")
		}
		name, j2, err := objectName(toks, i+2)
		if err != nil {
			return nil, perr("malformed DELETE statement: %s", err)
		}
		stmt.verb = verbDelete
		stmt.writes = name
		stmt.reads = sources(toks[j2:], cte, "")
		return stmt, nil
	case kwAt(toks, i, "SELECT"):
		return nil, perr("bare SELECT statements have no effect in a migration")
	case kwAt(toks, i, "BEGIN"), kwAt(toks, i, "COMMIT"), kwAt(toks, i, "ROLLBACK"),
		kwAt(toks, i, "SAVEPOINT"), kwAt(toks, i, "RELEASE"), kwAt(toks, i, "END"):
		return nil, perr("transaction control is managed by the migration runner")
	case kwAt(toks, i, "PRAGMA"):
		return nil, perr("PRAGMA statements are not allowed in migration scripts")
	}

	return nil, perr("unsupported statement %q", toks[i].text)
}

func inspectCreate(stmt *Statement, toks []token, i int, cte map[string]struct{}, perr func(string, ...any) error) error {
	j := i + 1
	if kwAt(toks, j, "TEMP") || kwAt(toks, j, "TEMPORARY") {
		return perr("temporary objects are not supported in migration scripts")
	}
	if kwAt(toks, j, "UNIQUE") {
		j++
	}

	switch {
	case kwAt(toks, j, "TABLE"):
		j++
		if kwAt(toks, j, "IF") {
			if !kwAt(toks, j+1, "NOT") || !kwAt(toks, j+2, "EXISTS") {
				return perr("malformed CREATE TABLE statement")
			}
			stmt.ifNotExists = true
			j += 3
		}
		name, j2, err := objectName(toks, j)
		if err != nil {
			return perr("malformed CREATE TABLE statement: %s", err)
		}
		stmt.verb = verbCreateTable
		stmt.creates = name
		// Foreign key references and CREATE TABLE ... AS SELECT sources.
		stmt.reads = sources(toks[j2:], cte, name)
		return nil
	case kwAt(toks, j, "INDEX"):
		j++
		if kwAt(toks, j, "IF") {
			if !kwAt(toks, j+1, "NOT") || !kwAt(toks, j+2, "EXISTS") {
				return perr("malformed CREATE INDEX statement")
			}
			stmt.ifNotExists = true
			j += 3
		}
		name, j2, err := objectName(toks, j)
		if err != nil {
			return perr("malformed CREATE INDEX statement: %s", err)
		}
		if !kwAt(toks, j2, "ON") {
			return perr("malformed CREATE INDEX statement")
		}
		table, _, err := objectName(toks, j2+1)
		if err != nil {
			return perr("malformed CREATE INDEX statement: %s", err)
		}
		stmt.verb = verbCreateIndex
		stmt.creates = name
		stmt.reads = []string{table}
		return nil
	case kwAt(toks, j, "VIEW"), kwAt(toks, j, "TRIGGER"), kwAt(toks, j, "VIRTUAL"):
		return perr("only tables and indexes can be created in migration scripts")
	}

	return perr("unsupported CREATE statement")
}

func inspectDrop(stmt *Statement, toks []token, i int, perr func(string, ...any) error) error {
	j := i + 1
	switch {
	case kwAt(toks, j, "TABLE"):
		stmt.verb = verbDropTable
	case kwAt(toks, j, "INDEX"):
		stmt.verb = verbDropIndex
	case kwAt(toks, j, "VIEW"), kwAt(toks, j, "TRIGGER"):
		return perr("only tables and indexes can be dropped in migration scripts")
	default:
		return perr("unsupported DROP statement")
	}
	j++

	if kwAt(toks, j, "IF") {
		if !kwAt(toks, j+1, "EXISTS") {
			return perr("malformed DROP statement")
		}
		stmt.ifExists = true
		j += 2
	}
	name, _, err := objectName(toks, j)
	if err != nil {
		return perr("malformed DROP statement: %s", err)
	}
	stmt.drops = name

	return nil
}

func inspectAlter(stmt *Statement, toks []token, i int, perr func(string, ...any) error) error {
	if !kwAt(toks, i+1, "TABLE") {
		return perr("only tables can be altered")
	}
	table, j, err := objectName(toks, i+2)
	if err != nil {
		return perr("malformed ALTER TABLE statement: %s", err)
	}

	switch {
	case kwAt(toks, j, "RENAME"):
		j++
		if kwAt(toks, j, "TO") {
			newName, _, err := objectName(toks, j+1)
			if err != nil {
				return perr("malformed ALTER TABLE RENAME statement: %s", err)
			}
			stmt.verb = verbRenameTable
			stmt.renameOld = table
			stmt.renameNew = newName
			return nil
		}
		// ALTER TABLE t RENAME [COLUMN] a TO b
		if kwAt(toks, j, "COLUMN") {
			j++
		}
		if _, j, err = objectName(toks, j); err != nil || !kwAt(toks, j, "TO") {
			return perr("malformed ALTER TABLE RENAME statement")
		}
		stmt.verb = verbRenameColumn
		stmt.writes = table
		return nil
	case kwAt(toks, j, "ADD"):
		stmt.verb = verbAddColumn
		stmt.writes = table
		return nil
	case kwAt(toks, j, "DROP"):
		stmt.verb = verbDropColumn
		stmt.writes = table
		return nil
	}

	return perr("unsupported ALTER TABLE operation")
}

// tableKeywords are keywords that may directly follow a table name, ending
// an alias scan.
var tableKeywords = map[string]struct{}{
	"AS": {}, "ON": {}, "WHERE": {}, "JOIN": {}, "INNER": {}, "LEFT": {},
	"RIGHT": {}, "FULL": {}, "OUTER": {}, "CROSS": {}, "NATURAL": {},
	"GROUP": {}, "ORDER": {}, "LIMIT": {}, "UNION": {}, "EXCEPT": {},
	"INTERSECT": {}, "USING": {}, "SET": {}, "HAVING": {}, "WINDOW": {},
	"RETURNING": {}, "VALUES": {}, "SELECT": {}, "NOT": {}, "INDEXED": {},
}

// sources scans tokens for the tables a statement reads: names after FROM
// and JOIN keywords, including comma-separated lists with aliases, plus
// foreign key REFERENCES targets. CTE names and the statement's own target
// are excluded.
func sources(toks []token, cte map[string]struct{}, self string) []string {
	var (
		out  []string
		seen = map[string]struct{}{}
	)
	add := func(name string) {
		key := idkey(name)
		if _, ok := cte[key]; ok {
			return
		}
		if self != "" && key == idkey(self) {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}

	for i := 0; i < len(toks); i++ {
		isFrom := toks[i].isKw("FROM") || toks[i].isKw("JOIN")
		isRef := toks[i].isKw("REFERENCES")
		if !isFrom && !isRef {
			continue
		}
		if !nameAt(toks, i+1) {
			// e.g. a subquery: FROM (SELECT ...); its sources are picked up
			// as the scan continues.
			continue
		}
		name, j, _ := objectName(toks, i+1)
		add(name)
		i = j - 1
		if isRef {
			continue
		}

		for {
			k := j
			if kwAt(toks, k, "AS") && nameAt(toks, k+1) {
				k += 2
			} else if k < len(toks) && toks[k].kind == tokWord {
				if _, reserved := tableKeywords[strings.ToUpper(toks[k].text)]; !reserved {
					k++ // bare alias
				}
			}
			if !punctAt(toks, k, ",") || !nameAt(toks, k+1) {
				i = k - 1
				break
			}
			name, j, _ = objectName(toks, k+1)
			add(name)
		}
	}

	return out
}

// skipCTEs walks a WITH clause, collecting the CTE names, and returns the
// position of the main statement verb.
func skipCTEs(toks []token, cte map[string]struct{}) (int, error) {
	malformed := errors.New("malformed WITH clause")

	j := 1
	if kwAt(toks, j, "RECURSIVE") {
		j++
	}
	for {
		name, j2, err := objectName(toks, j)
		if err != nil {
			return 0, malformed
		}
		cte[idkey(name)] = struct{}{}
		j = j2

		if punctAt(toks, j, "(") {
			j = skipParens(toks, j)
		}
		if !kwAt(toks, j, "AS") {
			return 0, malformed
		}
		j++
		if kwAt(toks, j, "NOT") {
			j++
		}
		if kwAt(toks, j, "MATERIALIZED") {
			j++
		}
		if !punctAt(toks, j, "(") {
			return 0, malformed
		}
		j = skipParens(toks, j)

		if punctAt(toks, j, ",") {
			j++
			continue
		}
		if j >= len(toks) {
			return 0, malformed
		}
		return j, nil
	}
}

// skipParens returns the position after the parenthesized group starting at
// position i.
func skipParens(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case punctAt(toks, i, "("):
			depth++
		case punctAt(toks, i, ")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// objectName reads a possibly schema-qualified object name at position i,
// returning the unqualified name and the next token position.
func objectName(toks []token, i int) (string, int, error) {
	if !nameAt(toks, i) {
		return "", i, errors.New("expected an object name")
	}
	name := toks[i].text
	i++
	if punctAt(toks, i, ".") && nameAt(toks, i+1) {
		name = toks[i+1].text
		i += 2
	}
	return name, i, nil
}

type tokKind int

const (
	tokWord tokKind = iota
	tokQuoted
	tokLiteral
	tokNumber
	tokPunct
)

type token struct {
	text string
	kind tokKind
}

func (t token) isKw(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

func kwAt(toks []token, i int, kw string) bool {
	return i < len(toks) && toks[i].isKw(kw)
}

func punctAt(toks []token, i int, p string) bool {
	return i < len(toks) && toks[i].kind == tokPunct && toks[i].text == p
}

func nameAt(toks []token, i int) bool {
	return i < len(toks) && (toks[i].kind == tokWord || toks[i].kind == tokQuoted)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$'
}

// tokenize splits a statement into tokens, dropping comments. String and
// blob literals are kept as opaque tokens so their contents are never
// mistaken for identifiers.
func tokenize(sql string) []token {
	var toks []token
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i += 2
		case r == '\'':
			i++
			for i < len(rs) {
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokLiteral})
		case r == '"' || r == '`':
			q := r
			i++
			var sb strings.Builder
			for i < len(rs) {
				if rs[i] == q {
					if i+1 < len(rs) && rs[i+1] == q {
						sb.WriteRune(q)
						i += 2
						continue
					}
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			i++
			toks = append(toks, token{text: sb.String(), kind: tokQuoted})
		case r == '[':
			i++
			start := i
			for i < len(rs) && rs[i] != ']' {
				i++
			}
			toks = append(toks, token{text: string(rs[start:i]), kind: tokQuoted})
			i++
		case isIdentStart(r):
			start := i
			for i < len(rs) && isIdentRune(rs[i]) {
				i++
			}
			toks = append(toks, token{text: string(rs[start:i]), kind: tokWord})
		case unicode.IsDigit(r):
			start := i
			for i < len(rs) && (isIdentRune(rs[i]) || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{text: string(rs[start:i]), kind: tokNumber})
		default:
			toks = append(toks, token{text: string(r), kind: tokPunct})
			i++
		}
	}
	return toks
}

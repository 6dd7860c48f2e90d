package relward

import (
	"fmt"
	"strconv"
	"strings"
)

// DSL syntax:
//
//	principal <Entity>
//	settings {
//	  <key> <value>
//	}
//	entity <Name> {
//	  field <name> <type> [required] [min(<n>)] [max(<n>)]
//	  field <name> enum(<A>, <B>, ...) [required]
//	  relation <name> one|many <Target> [optional]
//	  rule <op>[,<op>...] [<name>]: <expression>
//	}
//
// Lines starting with # are comments. Rule expressions run to the end of
// the line.

// ParseDSL decodes the block DSL into a Config.
func ParseDSL(src string) (*Config, error) {
	p := &dslParser{lines: strings.Split(src, "\n")}
	return p.parse()
}

type dslParser struct {
	lines []string
	idx   int
}

func (p *dslParser) next() (string, int, bool) {
	for p.idx < len(p.lines) {
		p.idx++
		line := strings.TrimSpace(p.lines[p.idx-1])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, p.idx, true
	}
	return "", p.idx, false
}

func (p *dslParser) parse() (*Config, error) {
	cfg := &Config{}
	for {
		line, n, ok := p.next()
		if !ok {
			return cfg, nil
		}
		switch {
		case strings.HasPrefix(line, "principal "):
			if cfg.Principal != "" {
				return nil, fmt.Errorf("dsl line %d: principal declared twice", n)
			}
			cfg.Principal = strings.TrimSpace(strings.TrimPrefix(line, "principal "))
		case strings.HasPrefix(line, "entity "):
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "entity "), "{"))
			if name == "" || !strings.HasSuffix(line, "{") {
				return nil, fmt.Errorf("dsl line %d: want entity <Name> {", n)
			}
			ec, err := p.parseEntity(name)
			if err != nil {
				return nil, err
			}
			cfg.Entities = append(cfg.Entities, *ec)
		case line == "settings {":
			if err := p.parseSettings(&cfg.Settings); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("dsl line %d: unknown directive %q", n, firstWord(line))
		}
	}
}

func (p *dslParser) parseEntity(name string) (*EntityConfig, error) {
	ec := &EntityConfig{Name: name}
	for {
		line, n, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("dsl: entity %s is missing its closing }", name)
		}
		if line == "}" {
			return ec, nil
		}
		switch firstWord(line) {
		case "field":
			fc, err := parseFieldLine(line, n)
			if err != nil {
				return nil, err
			}
			ec.Fields = append(ec.Fields, *fc)
		case "relation":
			rc, err := parseRelationLine(line, n)
			if err != nil {
				return nil, err
			}
			ec.Relations = append(ec.Relations, *rc)
		case "rule":
			rc, err := parseRuleLine(line, n)
			if err != nil {
				return nil, err
			}
			ec.Rules = append(ec.Rules, *rc)
		default:
			return nil, fmt.Errorf("dsl line %d: unknown entity directive %q", n, firstWord(line))
		}
	}
}

func (p *dslParser) parseSettings(s *Settings) error {
	for {
		line, n, ok := p.next()
		if !ok {
			return fmt.Errorf("dsl: settings block is missing its closing }")
		}
		if line == "}" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return fmt.Errorf("dsl line %d: want <key> <value>", n)
		}
		v, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("dsl line %d: bad value %q", n, parts[1])
		}
		switch parts[0] {
		case "decision_buffer":
			s.DecisionBuffer = int(v)
		case "cache_num_counters":
			s.CacheNumCounters = v
		case "cache_max_cost":
			s.CacheMaxCost = v
		case "cache_buffer_items":
			s.CacheBufferItems = v
		case "cache_ttl_seconds":
			s.CacheTTLSeconds = v
		default:
			return fmt.Errorf("dsl line %d: unknown setting %q", n, parts[0])
		}
	}
}

func parseFieldLine(line string, n int) (*FieldConfig, error) {
	parts := joinParens(strings.Fields(line))
	if len(parts) < 3 {
		return nil, fmt.Errorf("dsl line %d: want field <name> <type>", n)
	}
	fc := &FieldConfig{Name: parts[1]}
	typ := parts[2]
	if open := strings.IndexByte(typ, '('); open >= 0 {
		if !strings.HasSuffix(typ, ")") {
			return nil, fmt.Errorf("dsl line %d: unbalanced parens in %q", n, typ)
		}
		fc.Type = typ[:open]
		for _, m := range strings.Split(typ[open+1:len(typ)-1], ",") {
			if m = strings.TrimSpace(m); m != "" {
				fc.Values = append(fc.Values, m)
			}
		}
	} else {
		fc.Type = typ
	}
	for _, flag := range parts[3:] {
		switch {
		case flag == "required":
			fc.Required = true
		case strings.HasPrefix(flag, "min(") && strings.HasSuffix(flag, ")"):
			v, err := strconv.ParseFloat(flag[4:len(flag)-1], 64)
			if err != nil {
				return nil, fmt.Errorf("dsl line %d: bad min %q", n, flag)
			}
			fc.Min = &v
		case strings.HasPrefix(flag, "max(") && strings.HasSuffix(flag, ")"):
			v, err := strconv.ParseFloat(flag[4:len(flag)-1], 64)
			if err != nil {
				return nil, fmt.Errorf("dsl line %d: bad max %q", n, flag)
			}
			fc.Max = &v
		default:
			return nil, fmt.Errorf("dsl line %d: unknown field flag %q", n, flag)
		}
	}
	return fc, nil
}

func parseRelationLine(line string, n int) (*RelationConfig, error) {
	parts := strings.Fields(line)
	if len(parts) < 4 {
		return nil, fmt.Errorf("dsl line %d: want relation <name> one|many <Target>", n)
	}
	rc := &RelationConfig{Name: parts[1], Cardinality: parts[2], Target: parts[3]}
	for _, flag := range parts[4:] {
		if flag != "optional" {
			return nil, fmt.Errorf("dsl line %d: unknown relation flag %q", n, flag)
		}
		rc.Optional = true
	}
	return rc, nil
}

func parseRuleLine(line string, n int) (*RuleConfig, error) {
	head, expr, found := strings.Cut(line, ":")
	if !found || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("dsl line %d: want rule <ops> [<name>]: <expression>", n)
	}
	parts := strings.Fields(head)
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("dsl line %d: want rule <ops> [<name>]: <expression>", n)
	}
	rc := &RuleConfig{Expr: strings.TrimSpace(expr)}
	for _, op := range strings.Split(parts[1], ",") {
		if op = strings.TrimSpace(op); op != "" {
			rc.Operations = append(rc.Operations, op)
		}
	}
	if len(parts) == 3 {
		rc.Name = parts[2]
	}
	return rc, nil
}

// EncodeDSL renders a Config in the block DSL form. ParseDSL reads the
// output back to an equivalent Config.
func EncodeDSL(cfg *Config) string {
	var b strings.Builder
	if cfg.Principal != "" {
		fmt.Fprintf(&b, "principal %s\n\n", cfg.Principal)
	}
	if cfg.Settings != (Settings{}) {
		b.WriteString("settings {\n")
		encodeSetting(&b, "decision_buffer", int64(cfg.Settings.DecisionBuffer))
		encodeSetting(&b, "cache_num_counters", cfg.Settings.CacheNumCounters)
		encodeSetting(&b, "cache_max_cost", cfg.Settings.CacheMaxCost)
		encodeSetting(&b, "cache_buffer_items", cfg.Settings.CacheBufferItems)
		encodeSetting(&b, "cache_ttl_seconds", cfg.Settings.CacheTTLSeconds)
		b.WriteString("}\n\n")
	}
	for i, ec := range cfg.Entities {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "entity %s {\n", ec.Name)
		for _, fc := range ec.Fields {
			b.WriteString("  field " + fc.Name + " " + fc.Type)
			if len(fc.Values) > 0 {
				b.WriteString("(" + strings.Join(fc.Values, ", ") + ")")
			}
			if fc.Required {
				b.WriteString(" required")
			}
			if fc.Min != nil {
				fmt.Fprintf(&b, " min(%s)", strconv.FormatFloat(*fc.Min, 'g', -1, 64))
			}
			if fc.Max != nil {
				fmt.Fprintf(&b, " max(%s)", strconv.FormatFloat(*fc.Max, 'g', -1, 64))
			}
			b.WriteString("\n")
		}
		for _, rc := range ec.Relations {
			fmt.Fprintf(&b, "  relation %s %s %s", rc.Name, rc.Cardinality, rc.Target)
			if rc.Optional {
				b.WriteString(" optional")
			}
			b.WriteString("\n")
		}
		for _, rc := range ec.Rules {
			b.WriteString("  rule " + strings.Join(rc.Operations, ","))
			if rc.Name != "" {
				b.WriteString(" " + rc.Name)
			}
			b.WriteString(": " + rc.Expr + "\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func encodeSetting(b *strings.Builder, key string, v int64) {
	if v != 0 {
		fmt.Fprintf(b, "  %s %d\n", key, v)
	}
}

func firstWord(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

func joinParens(parts []string) []string {
	out := make([]string, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		tok := parts[i]
		for strings.Count(tok, "(") > strings.Count(tok, ")") && i+1 < len(parts) {
			i++
			tok += " " + parts[i]
		}
		out = append(out, tok)
	}
	return out
}

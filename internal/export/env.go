// Package export renders revealed secrets in formats other tools consume.
package export

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

type envPair struct {
	key   string
	value string
}

// EnvKey converts a secret name to an environment variable name: uppercase,
// with every character outside [A-Z0-9_] folded to "_", and a leading "_"
// added when the name starts with a digit.
func EnvKey(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	key := b.String()
	if key != "" && key[0] >= '0' && key[0] <= '9' {
		key = "_" + key
	}
	return key
}

// DotEnv renders secret name/value pairs as .env lines ordered by derived
// key. Names that fold to the same key all appear; dotenv parsers keep the
// last occurrence. Values are quoted when a shell would mangle them.
func DotEnv(vars map[string]string) string {
	pairs := make([]envPair, 0, len(vars))
	for name, value := range vars {
		pairs = append(pairs, envPair{key: EnvKey(name), value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var buf bytes.Buffer
	for _, p := range pairs {
		if needsQuoting(p.value) {
			fmt.Fprintf(&buf, "%s=%q\n", p.key, p.value)
		} else {
			fmt.Fprintf(&buf, "%s=%s\n", p.key, p.value)
		}
	}
	return buf.String()
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '\'' || c == '\\' || c == '#' {
			return true
		}
	}
	return false
}

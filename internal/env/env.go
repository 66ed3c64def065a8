package env

import (
	"os"
	"sort"
	"strings"
)

// Merge composes the environment of the analysis tool: the daemon's own
// environment, then the configured "K=V" overrides in order. An override may
// reference variables as ${VAR}; they resolve against everything set before
// it, so PATH=${JAVA_HOME}/bin:${PATH} extends the inherited PATH. The result
// is sorted by key.
func Merge(overrides []string) []string {
	return MergeWith(os.Environ(), overrides)
}

// MergeWith is Merge with an explicit base instead of os.Environ.
func MergeWith(base, overrides []string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	for _, kv := range overrides {
		if k, v, ok := split(kv); ok {
			m[k] = expand(v, m)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Validate reports the first override that is not of the form K=V.
func Validate(overrides []string) (string, bool) {
	for _, kv := range overrides {
		if _, _, ok := split(kv); !ok {
			return kv, false
		}
	}
	return "", true
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${VAR} only; a bare $ is kept so JVM options survive.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}

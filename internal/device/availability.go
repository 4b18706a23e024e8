package device

import "strings"

// Has reports whether kind is usable in this build. Only the pure-Go CPU
// path is compiled in.
func Has(kind Kind) bool {
	return kind == CPU
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{string(CPU)}
	for _, k := range []Kind{CUDA, Metal} {
		if Has(k) {
			entries = append(entries, string(k))
		}
	}
	return strings.Join(entries, ",")
}

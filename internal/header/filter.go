package header

import "strings"

// FramingHeaders are dropped from upstream responses before relaying; the
// serving layer recomputes them for the outgoing response.
var FramingHeaders = []string{
	"content-length",
	"transfer-encoding",
	"connection",
	"server",
	"date",
	"content-encoding",
}

// Select returns the outbound request headers: for each allow-listed name, the
// field found by Lookup, forwarded under its own name. At most one field is
// forwarded per allow-listed name; names with no match are omitted.
func Select(in *Collection, allow []string) *Collection {
	out := &Collection{}
	for _, name := range allow {
		if f, ok := in.Lookup(name); ok {
			out.fields = append(out.fields, f)
		}
	}
	return out
}

// StripFraming removes FramingHeaders (case-insensitively) and keeps only the
// first field for each lowercase name.
func StripFraming(in *Collection) *Collection {
	out := &Collection{}
	seen := make(map[string]bool, in.Len())
	for _, f := range in.Fields() {
		key := strings.ToLower(f.Name)
		if isFraming(key) || seen[key] {
			continue
		}
		seen[key] = true
		out.fields = append(out.fields, f)
	}
	return out
}

func isFraming(lower string) bool {
	for _, h := range FramingHeaders {
		if lower == h {
			return true
		}
	}
	return false
}

package main

import (
	"encoding/json"
	"io"
	"os"
)

// writeJSON renders v as indented JSON to w. Render failures are
// ignored; these are terminal/diagnostic surfaces.
func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// printJSON renders v to stdout.
func printJSON(v any) {
	writeJSON(os.Stdout, v)
}

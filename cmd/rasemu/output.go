package main

import (
	"encoding/json"
	"os"
)

func writeJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}

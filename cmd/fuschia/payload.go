package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// readPayload reads a JSON payload from stdin, mirroring
// original_source/src/main.rs's read_payload_from_stdin: an interactive
// terminal (nothing piped in) or empty input both mean "no payload."
func readPayload() (json.RawMessage, error) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return json.RawMessage("{}"), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload from stdin is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func loadWorkflow(path string) (*fuschia.LockedWorkflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %q: %w", path, err)
	}
	var wf fuschia.LockedWorkflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow file %q: %w", path, err)
	}
	return &wf, nil
}

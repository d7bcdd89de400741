// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package letterapi

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

//go:embed letter.typ
var letterTemplate []byte

// LetterParams are handed to the typst template as the "params" input.
type LetterParams struct {
	SenderName       string `json:"sender_name"`
	SenderAddress    string `json:"sender_address"`
	ReceiverName     string `json:"receiver_name"`
	ReceiverAddress  string `json:"receiver_address"`
	ComplaintSummary string `json:"complaint_summary"`
	LetterContent    string `json:"letter_content"`
	Date             string `json:"date"`
}

// Renderer turns letter parameters into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, p LetterParams) ([]byte, error)
}

// TypstRenderer compiles the embedded template with the typst CLI, reading
// the template from stdin and the PDF from stdout.
type TypstRenderer struct {
	// Path is the typst executable.
	Path string
}

var _ Renderer = TypstRenderer{}

// Render implements Renderer. The child gets an empty environment.
func (t TypstRenderer) Render(ctx context.Context, p LetterParams) ([]byte, error) {
	params, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode letter params: %w", err)
	}
	path := t.Path
	if path == "" {
		path = "typst"
	}

	cmd := exec.CommandContext(ctx, path, "compile", "-", "-", "--input=params="+string(params))
	cmd.Env = []string{}
	cmd.Stdin = bytes.NewReader(letterTemplate)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, fmt.Errorf("typst compile: %w: %s", err, msg)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("typst compile: empty output")
	}
	return stdout.Bytes(), nil
}

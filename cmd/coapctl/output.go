// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/absmach/mcoap/pkg/message"
	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	clientStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	serverStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func codeStyle(c message.Code) lipgloss.Style {
	switch message.CodeClass(c) {
	case 2:
		return successStyle
	case 4:
		return clientStyle
	default:
		return serverStyle
	}
}

// printResponse writes the code, the observe sequence and the payload of
// resp. Binary payloads are hex dumped.
func printResponse(w io.Writer, resp *message.Message) {
	header := codeStyle(resp.Code).Render(message.CodeString(resp.Code))
	if seq, ok := resp.Options.Observe(); ok {
		header += metaStyle.Render(fmt.Sprintf(" observe=%d", seq))
	}
	if cf, ok := resp.Options.ContentFormat(); ok {
		header += metaStyle.Render(fmt.Sprintf(" ct=%d", cf))
	}
	fmt.Fprintln(w, header)
	if len(resp.Payload) == 0 {
		return
	}
	if utf8.Valid(resp.Payload) {
		fmt.Fprintln(w, string(resp.Payload))
		return
	}
	fmt.Fprint(w, hex.Dump(resp.Payload))
}

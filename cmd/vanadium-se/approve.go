package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/vanadium-vm/vanadium/session"
)

// approver builds the user-approval callback Register needs (spec.md
// §4.7: "shows (name, version, vapp_hash) for user approval"). With
// autoApprove set it always approves, for scripted/CI runs where there is
// no terminal to prompt.
func approver(autoApprove bool) session.Approver {
	if autoApprove {
		return func(name string, version [3]byte, vappHash [32]byte) bool {
			return true
		}
	}
	return func(name string, version [3]byte, vappHash [32]byte) bool {
		fmt.Printf("Register %q v%d.%d.%d (vapp_hash=%x)? [y/N] ", name, version[0], version[1], version[2], vappHash)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
}

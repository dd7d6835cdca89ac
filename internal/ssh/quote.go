package ssh

import "strings"

// Quote wraps 's' in single quotes for a POSIX shell.
//
// Nothing is special inside single quotes, so the only character needing
// treatment is the single quote itself: each one closes the quoted run, emits
// an escaped quote and reopens the run ('\'').
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LoginShell produces the remote invocation which runs 'command' inside the
// user's login shell, so shell initialization files are honored.
func LoginShell(command string) string {
	return "exec $SHELL -l -c " + Quote(command)
}

package pty

import (
	"os"
	"runtime"
)

// Locations where a PowerShell 7 install lands on Windows.
var pwshPaths = []string{
	`C:\Program Files\PowerShell\7\pwsh.exe`,
	`C:\Program Files (x86)\PowerShell\7\pwsh.exe`,
}

// ResolveShell picks the shell binary: explicit override, then the platform
// login shell, then a hardcoded fallback.
func ResolveShell(override string) string {
	if override != "" {
		return override
	}
	if runtime.GOOS == "windows" {
		for _, p := range pwshPaths {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "bash"
}

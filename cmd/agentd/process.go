package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func pidPath() string {
	return filepath.Join(agentdDir(), "agentd.pid")
}

func writePID() error {
	if err := os.MkdirAll(agentdDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePID() {
	_ = os.Remove(pidPath())
}

// signalRunningServer sends sig to the server named in the pid file.
// Returns false when no live server is found.
func signalRunningServer(sig syscall.Signal) bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(sig); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) with %s\n", pid, sig)
	return true
}

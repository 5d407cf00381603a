// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pidfile writes and checks the gateway's pid file so a second
// instance refuses to start against the same file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// WritePID stores the current pid at pidFilePath, creating intermediate
// directories as needed. It fails when the file names a still-running
// process.
func WritePID(pidFilePath string) error {
	if data, err := os.ReadFile(pidFilePath); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && isProcess(pid) {
			return fmt.Errorf("pid file %s names running process %d", pidFilePath, pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Remove deletes the pid file, ignoring a file that is already gone
func Remove(pidFilePath string) {
	_ = os.Remove(pidFilePath)
}

// isProcess reports whether a process with the given pid exists
func isProcess(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

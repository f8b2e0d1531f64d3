package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// schedulerProcessName is the binary name CheckExistingInstance verifies
// a discovered PID against, so a reused PID belonging to an unrelated
// process is never mistaken for a live scheduler.
const schedulerProcessName = "scheduler"

// InstanceManager handles lifecycle management for a scheduler process
// on a single machine: the PID file it uses to detect an already-running
// instance, and an exclusive lock file that backs AcquireLock/ReleaseLock.
type InstanceManager struct {
	pidFilePath  string
	statePath    string
	port         int
	lockFile     *os.File
	acquiredLock bool
}

// InstanceInfo contains information about a running instance
type InstanceInfo struct {
	PID          int
	Port         int
	StartTime    time.Time
	IsRunning    bool
	IsResponding bool
	Version      string
	BasePath     string
}

// PIDFileData represents the JSON structure of the PID file
type PIDFileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	BasePath  string    `json:"base_path"`
	Hostname  string    `json:"hostname"`
}

// NewManager creates a new instance manager
func NewManager(pidFilePath, statePath string, port int) *InstanceManager {
	return &InstanceManager{
		pidFilePath:  pidFilePath,
		statePath:    statePath,
		port:         port,
		acquiredLock: false,
	}
}

// CheckExistingInstance checks if a shardmesh instance is already running
func (m *InstanceManager) CheckExistingInstance() (*InstanceInfo, error) {
	// Try to read PID file
	pidData, err := m.ReadPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No existing instance
		}
		return nil, fmt.Errorf("failed to read PID file: %w", err)
	}

	// Check if process is actually running
	running, err := IsProcessRunning(pidData.PID)
	if err != nil {
		return nil, fmt.Errorf("failed to check process: %w", err)
	}

	if !running {
		// Stale PID file - remove it
		fmt.Printf("Detected stale PID file (process %d not running)\n", pidData.PID)
		m.RemovePIDFile()
		return nil, nil
	}

	// Verify the PID still belongs to a scheduler process
	name, err := GetProcessName(pidData.PID)
	if err != nil {
		fmt.Printf("Warning: Failed to get process name for PID %d: %v\n", pidData.PID, err)
	} else if !strings.Contains(name, schedulerProcessName) {
		// PID reused by an unrelated process
		fmt.Printf("Detected PID reuse (process %d is %s, not %s)\n", pidData.PID, name, schedulerProcessName)
		m.RemovePIDFile()
		return nil, nil
	}

	// Check if responding via health endpoint
	responding := HealthCheck(pidData.Port) == nil

	return &InstanceInfo{
		PID:          pidData.PID,
		Port:         pidData.Port,
		StartTime:    pidData.StartedAt,
		IsRunning:    true,
		IsResponding: responding,
		Version:      pidData.Version,
		BasePath:     pidData.BasePath,
	}, nil
}

// WritePIDFile creates a PID file with instance information
func (m *InstanceManager) WritePIDFile(pid, port int, basePath string) error {
	hostname, _ := os.Hostname()

	data := PIDFileData{
		PID:       pid,
		Port:      port,
		StartedAt: time.Now(),
		Version:   "1.0.0",
		BasePath:  basePath,
		Hostname:  hostname,
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal PID data: %w", err)
	}

	if err := os.WriteFile(m.pidFilePath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// ReadPIDFile reads and parses the PID file
func (m *InstanceManager) ReadPIDFile() (*PIDFileData, error) {
	jsonData, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}

	var data PIDFileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PID file: %w", err)
	}

	return &data, nil
}

// RemovePIDFile deletes the PID file
func (m *InstanceManager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetPort returns the port the instance manager is configured for
func (m *InstanceManager) GetPort() int {
	return m.port
}

// SetPort updates the port (used when resolver chooses different port)
func (m *InstanceManager) SetPort(port int) {
	m.port = port
}

// AcquireLock takes an exclusive lock backed by a sibling ".lock" file
// next to the PID file. Exclusive creation (O_CREATE|O_EXCL) fails if
// another process already holds the lock, which is the only cross
// platform guarantee this needs: the lock file's mere existence, not
// its contents, is the signal.
func (m *InstanceManager) AcquireLock() error {
	if m.acquiredLock {
		return nil
	}
	f, err := os.OpenFile(m.lockFilePath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("lock already held: %w", err)
	}
	m.lockFile = f
	m.acquiredLock = true
	return nil
}

// ReleaseLock releases a lock previously taken by AcquireLock. Releasing
// a lock that was never acquired is a no-op, not an error.
func (m *InstanceManager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}
	if m.lockFile != nil {
		m.lockFile.Close()
		m.lockFile = nil
	}
	if err := os.Remove(m.lockFilePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	m.acquiredLock = false
	return nil
}

func (m *InstanceManager) lockFilePath() string {
	return m.pidFilePath + ".lock"
}

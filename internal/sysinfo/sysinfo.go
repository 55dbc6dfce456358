// Package sysinfo samples the running process and describes the host node.
package sysinfo

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Process samples CPU and memory use of one process.
type Process struct {
	mu   sync.Mutex
	proc *process.Process
}

// Self returns a sampler for the current process.
func Self() (*Process, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", os.Getpid(), err)
	}
	return &Process{proc: p}, nil
}

// CPUPercent returns CPU use since the previous call, as a percentage of
// one core.
func (p *Process) CPUPercent() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pct, err := p.proc.Percent(0)
	if err != nil {
		return 0, fmt.Errorf("sampling cpu: %w", err)
	}
	return pct, nil
}

// VirtualMemory returns the virtual memory size in bytes.
func (p *Process) VirtualMemory() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("sampling memory: %w", err)
	}
	return float64(info.VMS), nil
}

// NodeInfo describes the host an agent runs on.
type NodeInfo struct {
	Hostname  string  `json:"hostname"`
	OSName    string  `json:"os"`
	Kernel    string  `json:"kernel"`
	Arch      string  `json:"arch"`
	CPUModel  string  `json:"cpu_model"`
	CPUCores  int     `json:"cpu_cores"`
	MemoryGB  float64 `json:"memory_gb"`
	DiskCount int     `json:"disk_count"`
	BootTime  uint64  `json:"boot_time"`
}

// Describe gathers host information. Fields that cannot be read are left
// empty.
func Describe() *NodeInfo {
	hostname, _ := os.Hostname()
	info := &NodeInfo{
		Hostname: hostname,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	info.OSName, info.Kernel, info.BootTime = getOSInfo()

	cpuInfo, err := cpu.Info()
	if err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		info.MemoryGB = math.Round(float64(memInfo.Total)/(1024*1024*1024)*100) / 100
	}

	partitions, err := disk.Partitions(false)
	if err == nil {
		info.DiskCount = len(partitions)
	}

	return info
}

func getOSInfo() (string, string, uint64) {
	var osName, kernel string
	var boot uint64

	hostInfo, err := host.Info()
	if err == nil {
		osName = hostInfo.Platform
		if hostInfo.PlatformVersion != "" {
			osName += " " + hostInfo.PlatformVersion
		}
		kernel = hostInfo.KernelVersion
		boot = hostInfo.BootTime
	} else {
		osName = runtime.GOOS
	}

	if runtime.GOOS == "linux" {
		if prettyName := readOSReleasePrettyName("/etc/os-release"); prettyName != "" {
			osName = prettyName
		}
	}

	return osName, kernel, boot
}

func readOSReleasePrettyName(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return ""
}

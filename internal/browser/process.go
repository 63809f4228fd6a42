package browser

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo 进程快照
type ProcessInfo struct {
	PID        int32
	Name       string
	Cmdline    string
	CreateTime time.Time
}

// ProcessTable 隔离操作系统的进程操作
type ProcessTable interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Exists(pid int32) bool
	Terminate(pid int32) error
	Kill(pid int32) error
}

// SystemProcessTable 基于gopsutil的实现
type SystemProcessTable struct{}

// List 枚举当前进程,读取不到名称的进程跳过
func (SystemProcessTable) List(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		// 权限不足时命令行可能为空
		cmdline, _ := p.CmdlineWithContext(ctx)
		created, _ := p.CreateTimeWithContext(ctx)
		infos = append(infos, ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			Cmdline:    cmdline,
			CreateTime: time.UnixMilli(created),
		})
	}
	return infos, nil
}

// Exists 进程是否存在
func (SystemProcessTable) Exists(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}

// Terminate 发送终止信号
func (SystemProcessTable) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

// Kill 强制结束
func (SystemProcessTable) Kill(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// normalizeProcessName 统一大小写并去掉 .exe 后缀
func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(filepath.Base(name)))
	return strings.TrimSuffix(name, ".exe")
}

// nameIn 名称是否在列表中
func nameIn(name string, list []string) bool {
	n := normalizeProcessName(name)
	for _, candidate := range list {
		if n == normalizeProcessName(candidate) {
			return true
		}
	}
	return false
}

// waitExit 在 grace 内轮询等待进程退出
func waitExit(procs ProcessTable, pid int32, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if !procs.Exists(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// fakeProcessTable 内存进程表,Terminate/Kill 直接移除进程
type fakeProcessTable struct {
	mu         sync.Mutex
	procs      map[int32]ProcessInfo
	killed     []int32
	terminated []int32
	// stubborn 中的进程忽略Terminate
	stubborn map[int32]bool
}

func newFakeProcessTable(list ...ProcessInfo) *fakeProcessTable {
	t := &fakeProcessTable{procs: make(map[int32]ProcessInfo), stubborn: make(map[int32]bool)}
	for _, p := range list {
		t.procs[p.PID] = p
	}
	return t
}

func (t *fakeProcessTable) List(ctx context.Context) ([]ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProcessInfo, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out, nil
}

func (t *fakeProcessTable) Exists(pid int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

func (t *fakeProcessTable) Terminate(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return errors.New("no such process")
	}
	t.terminated = append(t.terminated, pid)
	if !t.stubborn[pid] {
		delete(t.procs, pid)
	}
	return nil
}

func (t *fakeProcessTable) Kill(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return errors.New("no such process")
	}
	t.killed = append(t.killed, pid)
	delete(t.procs, pid)
	return nil
}

func (t *fakeProcessTable) killCount(pid int32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range t.killed {
		if k == pid {
			n++
		}
	}
	return n
}

// fakeInstaller 记录调用次数的安装器
type fakeInstaller struct {
	installed string
	result    *models.DriverCacheEntry
	err       error
	calls     int
}

func (f *fakeInstaller) InstalledVersion(ctx context.Context) (string, error) {
	return f.installed, nil
}

func (f *fakeInstaller) Install(ctx context.Context, browserVersion string) (*models.DriverCacheEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.result
	return &cp, nil
}

package crawlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
)

// feed 按序列喂给守卫: true=成功, false=失败
func feed(t *testing.T, g *AntiBotGuard, seq []bool) (resumed []int) {
	t.Helper()
	for i, ok := range seq {
		if ok {
			g.RecordSuccess()
			continue
		}
		v, err := g.CheckAntiCrawl(context.Background(), "结构缺失")
		if err != nil {
			t.Fatalf("第%d步 CheckAntiCrawl() error = %v", i+1, err)
		}
		if v == VerdictResumed {
			resumed = append(resumed, i+1)
		}
	}
	return resumed
}

func TestAntiBotGuard_Threshold(t *testing.T) {
	F, S := false, true
	tests := []struct {
		name   string
		seq    []bool
		pauses []int
	}{
		{"连续3次失败暂停一次", []bool{F, F, F}, []int{3}},
		{"成功清零计数", []bool{F, F, S, F, F, F}, []int{6}},
		{"两轮各3次失败各暂停一次", []bool{F, F, F, S, F, F, F}, []int{3, 7}},
		{"暂停后计数重新开始", []bool{F, F, F, F, F}, []int{3}},
		{"连续6次失败暂停两次", []bool{F, F, F, F, F, F}, []int{3, 6}},
		{"未达阈值不暂停", []bool{F, F, S, F, F}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := NewScriptedConfirmer()
			confirmer.Default = true
			g := NewAntiBotGuard(3, confirmer, nil)

			got := feed(t, g, tt.seq)
			if len(got) != len(tt.pauses) {
				t.Fatalf("暂停位置 = %v, want %v", got, tt.pauses)
			}
			for i := range got {
				if got[i] != tt.pauses[i] {
					t.Errorf("暂停位置 = %v, want %v", got, tt.pauses)
				}
			}
			if confirmer.CallCount() != len(tt.pauses) {
				t.Errorf("确认请求次数 = %d, want %d", confirmer.CallCount(), len(tt.pauses))
			}
			if g.State() != GuardNormal {
				t.Errorf("确认后状态应为 NORMAL, got %s", g.State())
			}
		})
	}
}

func TestAntiBotGuard_AbortWhenDeclined(t *testing.T) {
	g := NewAntiBotGuard(2, NewScriptedConfirmer(false), nil)

	var paused []models.PauseReason
	g.SetOnPause(func(reason models.PauseReason, detail string) {
		paused = append(paused, reason)
	})

	if _, err := g.CheckAntiCrawl(context.Background(), "a"); err != nil {
		t.Fatalf("第一次失败不应报错: %v", err)
	}
	_, err := g.CheckAntiCrawl(context.Background(), "b")
	if !errors.Is(err, models.ErrUserAbort) {
		t.Fatalf("拒绝继续应返回 ErrUserAbort, got %v", err)
	}
	if len(paused) != 1 || paused[0] != models.ReasonAntiBotSuspected {
		t.Errorf("暂停回调 = %v", paused)
	}
	if g.State() != GuardPausedForHuman {
		t.Errorf("终止后状态 = %s, want PAUSED_FOR_HUMAN", g.State())
	}
	if g.PauseReason() != models.ReasonAntiBotSuspected {
		t.Errorf("PauseReason() = %q", g.PauseReason())
	}
}

func TestAntiBotGuard_RequestLogin(t *testing.T) {
	confirmer := NewScriptedConfirmer(true)
	g := NewAntiBotGuard(3, confirmer, nil)

	if err := g.RequestLogin(context.Background(), "需要登录"); err != nil {
		t.Fatalf("RequestLogin() error = %v", err)
	}
	if len(confirmer.Calls) != 1 || confirmer.Calls[0] != models.ReasonLoginRequired {
		t.Errorf("确认原因 = %v, want LOGIN_REQUIRED", confirmer.Calls)
	}
	if g.Pauses() != 1 {
		t.Errorf("Pauses() = %d, want 1", g.Pauses())
	}
}

func TestAntiBotGuard_CancelledContext(t *testing.T) {
	confirmer := NewScriptedConfirmer()
	confirmer.Default = true
	g := NewAntiBotGuard(1, confirmer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.CheckAntiCrawl(ctx, "x"); !errors.Is(err, models.ErrUserAbort) {
		t.Errorf("ctx 已取消时应视为拒绝, got %v", err)
	}
}

func TestPollingConfirmer(t *testing.T) {
	t.Run("操作员确认继续", func(t *testing.T) {
		notified := make(chan struct{}, 1)
		p := NewPollingConfirmer(func(models.PauseReason, string) { notified <- struct{}{} })
		p.Interval = 10 * time.Millisecond

		go func() {
			<-notified
			for !p.Respond(true) {
				time.Sleep(5 * time.Millisecond)
			}
		}()

		if !p.Confirm(context.Background(), models.ReasonLoginRequired, "") {
			t.Error("Confirm() = false, want true")
		}
		if p.Pending() {
			t.Error("返回后不应仍处于等待状态")
		}
	})

	t.Run("停止时立即返回false", func(t *testing.T) {
		p := NewPollingConfirmer(nil)
		p.Interval = 10 * time.Millisecond
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		done := make(chan bool, 1)
		go func() { done <- p.Confirm(ctx, models.ReasonAntiBotSuspected, "") }()

		select {
		case got := <-done:
			if got {
				t.Error("取消后应返回 false")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("取消后未返回")
		}
	})

	t.Run("无等待时Respond返回false", func(t *testing.T) {
		if NewPollingConfirmer(nil).Respond(true) {
			t.Error("Respond() = true, want false")
		}
	})
}

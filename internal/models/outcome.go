package models

// StepKind 单步操作的结果类别
type StepKind int

const (
	StepOk        StepKind = iota // 成功
	StepRetryable                 // 可恢复失败,已计入反爬计数
	StepPaused                    // 反爬暂停后已由操作员恢复,本条记录尽力而为
)

func (k StepKind) String() string {
	switch k {
	case StepOk:
		return "ok"
	case StepRetryable:
		return "retryable"
	case StepPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// StepResult 三态结果: Ok(value) | Retryable(reason) | Paused
type StepResult[T any] struct {
	Kind   StepKind
	Value  T
	Reason string
}

// Ok 构造成功结果
func Ok[T any](v T) StepResult[T] {
	return StepResult[T]{Kind: StepOk, Value: v}
}

// Retryable 构造可重试结果
func Retryable[T any](reason string) StepResult[T] {
	return StepResult[T]{Kind: StepRetryable, Reason: reason}
}

// Paused 构造暂停结果
func Paused[T any](reason string) StepResult[T] {
	return StepResult[T]{Kind: StepPaused, Reason: reason}
}

// IsOk 是否成功
func (r StepResult[T]) IsOk() bool { return r.Kind == StepOk }

package models

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	// ErrDriverUnavailable 无法解析或启动浏览器驱动,批处理无法继续
	ErrDriverUnavailable = errors.New("浏览器驱动不可用")
	// ErrLaunchFailed 所有启动策略均失败
	ErrLaunchFailed = errors.New("浏览器启动失败")
	// ErrLaunchTimeout 单次启动超时
	ErrLaunchTimeout = errors.New("浏览器启动超时")
	// ErrSessionReleased 会话已释放
	ErrSessionReleased = errors.New("浏览器会话已释放")
	// ErrSessionLost 浏览器崩溃或连接断开,需要重建会话
	ErrSessionLost = errors.New("浏览器会话已失效")
	// ErrNavigation 搜索无法执行,仅影响当前记录,不计入反爬
	ErrNavigation = errors.New("导航失败")
	// ErrExtraction 页面已到达但结构缺失,计入反爬计数
	ErrExtraction = errors.New("提取失败")
	// ErrUserAbort 操作员拒绝继续或主动停止
	ErrUserAbort = errors.New("用户已终止")
	// ErrPersistence 输出文件写入失败
	ErrPersistence = errors.New("结果保存失败")
)

// RecordError 单条记录处理失败
type RecordError struct {
	Index int
	Key   string
	Cause error
}

// Error 实现error接口
func (e *RecordError) Error() string {
	return fmt.Sprintf("记录 #%d [%s] 处理失败: %v", e.Index+1, e.Key, e.Cause)
}

// Unwrap 支持errors.Is/As
func (e *RecordError) Unwrap() error {
	return e.Cause
}

// IsUserAbort 是否为用户终止
func IsUserAbort(err error) bool {
	return errors.Is(err, ErrUserAbort)
}

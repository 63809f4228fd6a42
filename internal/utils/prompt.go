package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/RecoveryAshes/GameCompliance/internal/models"
	"github.com/manifoldco/promptui"
)

const (
	choiceContinue = "已处理,继续执行"
	choiceAbort    = "终止批处理(保存进度)"
)

// PromptConfirmer 命令行交互确认,阻塞等待操作员选择
type PromptConfirmer struct {
	// Stdin 为空时从标准输入读取
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

var stdinPump = &inputPump{src: os.Stdin}

// inputPump 只由一个协程读取底层输入,每次提示拿到可单独关闭的读端
// 被放弃的提示关闭读端后不再消耗输入,后续提示不会与它争抢
type inputPump struct {
	src  io.Reader
	once sync.Once
	data chan []byte
}

func (s *inputPump) reader() *pumpReader {
	s.once.Do(func() {
		s.data = make(chan []byte)
		go func() {
			buf := make([]byte, 256)
			for {
				n, err := s.src.Read(buf)
				if n > 0 {
					s.data <- append([]byte(nil), buf[:n]...)
				}
				if err != nil {
					close(s.data)
					return
				}
			}
		}()
	})
	return &pumpReader{data: s.data, closed: make(chan struct{})}
}

type pumpReader struct {
	data    <-chan []byte
	closed  chan struct{}
	once    sync.Once
	pending []byte
}

func (r *pumpReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	select {
	case <-r.closed:
		return 0, io.EOF
	case b, ok := <-r.data:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		r.pending = b[n:]
		return n, nil
	}
}

func (r *pumpReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// NewPromptConfirmer 使用标准输入输出
func NewPromptConfirmer() *PromptConfirmer {
	return &PromptConfirmer{}
}

// Confirm 实现 HumanConfirmer,ctx 结束时立即返回 false
func (p *PromptConfirmer) Confirm(ctx context.Context, reason models.PauseReason, detail string) bool {
	if ctx.Err() != nil {
		return false
	}

	label := reason.Describe()
	if detail != "" {
		label = fmt.Sprintf("%s (%s)", label, detail)
	}

	in := p.Stdin
	if in == nil {
		r := stdinPump.reader()
		defer r.Close()
		in = r
	}

	sel := promptui.Select{
		Label:  label,
		Items:  []string{choiceContinue, choiceAbort},
		Stdin:  in,
		Stdout: p.Stdout,
	}

	type answer struct {
		idx int
		err error
	}
	done := make(chan answer, 1)
	go func() {
		idx, _, err := sel.Run()
		done <- answer{idx, err}
	}()

	select {
	case <-ctx.Done():
		// 关闭读端使提示结束读取
		in.Close()
		Warnf("等待确认时收到停止请求")
		return false
	case a := <-done:
		if a.err != nil {
			Warnf("确认提示已取消: %v", a.err)
			return false
		}
		return a.idx == 0
	}
}

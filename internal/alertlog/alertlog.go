package alertlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPath = "./alerts.log"
	DefaultTail = 100
)

// Logger 以 "<时间> - ALERT: <消息>" 的格式追加文本告警。
type Logger struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func New(path string) *Logger {
	if path == "" {
		path = DefaultPath
	}
	return &Logger{path: path, now: time.Now}
}

func (l *Logger) Path() string { return l.path }

func (l *Logger) Alert(msg string) error {
	line := fmt.Sprintf("%s - ALERT: %s\n", l.now().Format(time.RFC3339), strings.TrimRight(msg, "\r\n"))

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开告警日志失败：%w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("写入告警日志失败：%w", err)
	}
	return nil
}

// Tail 返回文件最后 n 行（不含换行符）；文件不存在时返回空。
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTail
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("打开告警日志失败：%w", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("读取告警日志失败：%w", err)
	}
	return ring, nil
}

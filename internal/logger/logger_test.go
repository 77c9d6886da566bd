package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// TestFacadeLevels 门面走完整的打点路径，且级别过滤生效。
func TestFacadeLevels(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	log = zerolog.New(&buf).Level(zerolog.InfoLevel)
	mu.Unlock()
	t.Cleanup(func() { SetLevel("info") })

	Debugf("调试消息 %d", 1)
	Infof("信息消息 %s", "ok")
	Warnf("警告消息")
	Errorf("错误消息")

	out := buf.String()
	if strings.Contains(out, "调试消息") {
		t.Fatalf("info 级别不应输出 debug: %s", out)
	}
	for _, want := range []string{"信息消息 ok", "警告消息", "错误消息"} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少输出 %q: %s", want, out)
		}
	}
}

// TestSetLevelFallback 未识别的级别保持 info。
func TestSetLevelFallback(t *testing.T) {
	SetLevel("verbose")
	if lv := current().GetLevel(); lv != zerolog.InfoLevel {
		t.Fatalf("未知级别应回退 info, 实际=%v", lv)
	}
	SetLevel("debug")
	if lv := current().GetLevel(); lv != zerolog.DebugLevel {
		t.Fatalf("debug 未生效: %v", lv)
	}
	SetLevel("info")
}

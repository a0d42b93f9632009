package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestNewRedisQueueUnreachableServer(t *testing.T) {
	// Group creation runs against the live client during construction, so a
	// dead address must surface as an error, not a queue that drops jobs.
	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         "127.0.0.1:1",
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err == nil {
		queue.Close()
		t.Fatal("expected connection error from unreachable redis")
	}
}

func TestNewRedisQueueRequiresAddr(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatal("expected error for missing addr")
	}
}

func TestIsNilReply(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"redis nil sentinel", redis.Nil, true},
		{"wrapped redis nil", errWrap{redis.Nil}, true},
		{"block timeout", errors.New("i/o timeout"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isNilReply(tc.err); got != tc.want {
			t.Errorf("%s: isNilReply = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type errWrap struct{ inner error }

func (e errWrap) Error() string { return "read: " + e.inner.Error() }
func (e errWrap) Unwrap() error { return e.inner }

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatal("busygroup reply must be tolerated")
	}
	if isBusyGroup(errors.New("NOGROUP No such consumer group")) {
		t.Fatal("nogroup is a real error")
	}
	if isBusyGroup(nil) {
		t.Fatal("nil is not busygroup")
	}
}

func TestExtractPayload(t *testing.T) {
	fields := []interface{}{"trace", "abc", "payload", `{"lessonId":1}`}
	if got := extractPayload(fields); string(got) != `{"lessonId":1}` {
		t.Fatalf("extractPayload = %q", got)
	}
	if got := extractPayload([]interface{}{"other", "x"}); got != nil {
		t.Fatalf("extractPayload without payload field = %q", got)
	}
	// RESP2 replies may hand fields back as raw bytes.
	if got := extractPayload([]interface{}{[]byte("payload"), []byte("data")}); string(got) != "data" {
		t.Fatalf("extractPayload bytes = %q", got)
	}
}

func TestRandomConsumerID(t *testing.T) {
	a, b := randomConsumerID(), randomConsumerID()
	if !strings.HasPrefix(a, "consumer-") || a == b {
		t.Fatalf("consumer ids = %q, %q", a, b)
	}
}

package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/wal"
)

// 记录格式：[unix nano(8) | server version(4) | 消息体]，消息体与线上一致（字段以 NUL 结尾）
const recordHeader = 12

var ErrBadRecord = errors.New("wire: bad record")

// Recorder 把收到的每条消息写进 wal 文件，事后可用 Replay 回放
type Recorder struct {
	mu     sync.Mutex
	w      *wal.Writer
	failed bool
}

func NewRecorder(path string) (*Recorder, error) {
	w, err := wal.OpenWrite(path, 0)
	if err != nil {
		return nil, err
	}
	return &Recorder{w: w}, nil
}

// Record 可直接作为 Options.Tap。写失败只记一次日志，之后不再记录。
func (r *Recorder) Record(serverVersion int, fields [][]byte) {
	buf := framePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer framePool.Put(buf)

	var hdr [recordHeader]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(hdr[8:], uint32(serverVersion))
	buf.Write(hdr[:])
	for _, f := range fields {
		buf.Write(f)
		buf.WriteByte(0)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return
	}
	if err := r.w.Append(buf.Bytes()); err != nil {
		r.failed = true
		logger.Error(context.Background(), "recording stopped", zap.Error(err))
	}
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Close()
}

// Replay 读记录文件，按原顺序把消息解码后交给 h。返回回放的消息数。
// 末尾半条记录当作正常结束；解码失败返回错误。
func Replay(path string, h Handler) (int, error) {
	c := &Conn{h: h}
	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(p []byte) error {
		if len(p) < recordHeader {
			return ErrBadRecord
		}
		version := int(binary.BigEndian.Uint32(p[8:12]))
		fields := splitFields(p[recordHeader:])
		if len(fields) == 0 {
			return nil
		}
		return c.dispatch(fields, version)
	})
	return st.Records, err
}

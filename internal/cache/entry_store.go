package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/proxycache/internal/diskfs"
)

// entryStore 负责单个条目的两文件持久化，并通过 entryLock 串行化同一前缀上的写入与删除。
type entryStore struct {
	dir    string
	fs     diskfs.FS
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newEntryStore(dir string, fsys diskfs.FS, logger logrus.FieldLogger) *entryStore {
	return &entryStore{
		dir:    dir,
		fs:     fsys,
		logger: logger,
		locks:  make(map[string]*entryLock),
	}
}

func (s *entryStore) metaPath(prefix string) string {
	return filepath.Join(s.dir, prefix+metaSuffix)
}

func (s *entryStore) dataPath(prefix string) string {
	return filepath.Join(s.dir, prefix+dataSuffix)
}

// writePayload 将 src 流式写入临时文件，src 读到 EOF 后再 rename 为 <prefix>.data。
// knownSize > 0 时实际字节数必须与之相等，否则视为上游截断。失败时临时文件会被删除，
// 已存在的数据文件保持不变。
func (s *entryStore) writePayload(ctx context.Context, prefix string, src io.Reader, knownSize int64) (int64, error) {
	tmp, err := s.fs.CreateTemp(s.dir, pendingPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("create temp payload: %w", err)
	}
	tmpName := tmp.Name()

	written, err := copyWithContext(ctx, tmp, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && knownSize > 0 && written != knownSize {
		err = fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, knownSize, written)
	}
	if err != nil {
		s.removeQuietly(tmpName)
		return written, err
	}

	if err := s.fs.Rename(tmpName, s.dataPath(prefix)); err != nil {
		s.removeQuietly(tmpName)
		return written, fmt.Errorf("commit payload: %w", err)
	}
	return written, nil
}

// writeMetadata 以原子替换方式写入 <prefix>.meta。
func (s *entryStore) writeMetadata(prefix string, record *Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.fs.WriteFileAtomic(s.metaPath(prefix), encoded); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *entryStore) readMetadata(prefix string) (*Record, error) {
	raw, err := s.fs.ReadFile(s.metaPath(prefix))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// deleteEntry 先删元数据再删数据文件，中途崩溃最多留下孤立的数据文件。
// 文件已不存在不算错误；其它错误仅记录日志。
func (s *entryStore) deleteEntry(prefix string) {
	s.removeQuietly(s.metaPath(prefix))
	s.removeQuietly(s.dataPath(prefix))
}

func (s *entryStore) removeQuietly(path string) {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_delete",
			"path":   path,
		}).Warn("cache_file_remove_failed")
	}
}

// listCandidates 返回同时存在 .meta 与 .data 的前缀（按名称排序）。
// 孤立文件与残留的 .pending- 临时文件会被记录并删除。
func (s *entryStore) listCandidates() ([]string, error) {
	names, err := s.fs.ListFiles(s.dir)
	if err != nil {
		return nil, err
	}

	metas := make(map[string]struct{})
	datas := make(map[string]struct{})
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, pendingPrefix):
			s.logger.WithFields(logrus.Fields{"action": "cache_recover", "file": name}).
				Info("清理未完成的临时写入")
			s.removeQuietly(filepath.Join(s.dir, name))
		case strings.HasSuffix(name, metaSuffix):
			metas[strings.TrimSuffix(name, metaSuffix)] = struct{}{}
		case strings.HasSuffix(name, dataSuffix):
			datas[strings.TrimSuffix(name, dataSuffix)] = struct{}{}
		case isAtomicLeftover(name):
			s.logger.WithFields(logrus.Fields{"action": "cache_recover", "file": name}).
				Info("清理未完成的元数据替换")
			s.removeQuietly(filepath.Join(s.dir, name))
		}
	}

	var prefixes []string
	for _, name := range names {
		if !strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, pendingPrefix) {
			continue
		}
		prefix := strings.TrimSuffix(name, metaSuffix)
		if _, ok := datas[prefix]; ok {
			prefixes = append(prefixes, prefix)
			continue
		}
		s.logger.WithFields(logrus.Fields{"action": "cache_recover", "file": name}).
			Warn("忽略缺少数据文件的元数据")
		s.removeQuietly(s.metaPath(prefix))
	}
	for prefix := range datas {
		if _, ok := metas[prefix]; ok {
			continue
		}
		s.logger.WithFields(logrus.Fields{"action": "cache_recover", "file": prefix + dataSuffix}).
			Info("清理未写入元数据的数据文件")
		s.removeQuietly(s.dataPath(prefix))
	}
	return prefixes, nil
}

// isAtomicLeftover 识别原子写入崩溃后残留的 <prefix>.meta<数字> 临时文件。
func isAtomicLeftover(name string) bool {
	idx := strings.LastIndex(name, metaSuffix)
	if idx < 0 {
		return false
	}
	rest := name[idx+len(metaSuffix):]
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *entryStore) payloadSize(prefix string) (int64, error) {
	return s.fs.FileSize(s.dataPath(prefix))
}

func (s *entryStore) lockEntry(prefix string) func() {
	s.mu.Lock()
	lock := s.locks[prefix]
	if lock == nil {
		lock = &entryLock{}
		s.locks[prefix] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, prefix)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

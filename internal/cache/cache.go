package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/proxycache/internal/diskfs"
)

const (
	stateUninitialized int32 = iota
	stateReady
	stateClosed
	stateDestroyed

	recoverConcurrency = 8
)

// Cache 协调内存索引与磁盘上的两文件条目。
//
// 生命周期：New → Init（成功后进入 ready）→ Close 或 Destroy。ready 之前以及
// Close/Destroy 之后，Set 返回 false、Get 未命中、Has 为 false、Keys 为空，均不报错。
// 同一个 key 的并发 Set 由前缀锁串行化，后完成者生效。
type Cache struct {
	opts   Options
	fs     diskfs.FS
	logger logrus.FieldLogger

	store    *entryStore
	index    *Index
	disposer *disposer

	state     atomic.Int32
	initGroup singleflight.Group
	now       func() time.Time
}

// New 校验选项并创建缓存实例，不触碰文件系统；调用方需随后执行 Init。
func New(opts Options) (*Cache, error) {
	if opts.Path == "" {
		return nil, errors.New("storage path required")
	}
	if opts.MaxSizeBytes < 0 {
		return nil, fmt.Errorf("invalid max size: %d", opts.MaxSizeBytes)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("invalid max age: %s", opts.MaxAge)
	}
	if opts.FS == nil {
		opts.FS = diskfs.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	c := &Cache{
		opts:   opts,
		fs:     opts.FS,
		logger: opts.Logger,
		now:    time.Now,
	}
	c.store = newEntryStore(opts.Path, opts.FS, opts.Logger)
	c.disposer = newDisposer(c.dispose)
	c.index = NewIndex(opts.MaxSizeBytes, opts.MaxAge, c.disposer)
	return c, nil
}

// Init 创建存储目录并按需执行恢复扫描。失败会记录日志并返回错误，缓存保持未就绪，
// 可稍后再次调用。并发调用共享同一次执行。
func (c *Cache) Init(ctx context.Context) error {
	_, err, _ := c.initGroup.Do("init", func() (interface{}, error) {
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Cache) initialize(ctx context.Context) error {
	switch c.state.Load() {
	case stateReady:
		return nil
	case stateClosed:
		return ErrClosed
	case stateDestroyed:
		return ErrDestroyed
	}

	fields := logrus.Fields{"action": "cache_init", "path": c.opts.Path}
	if err := c.fs.MkdirAll(c.opts.Path, 0o755); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("缓存目录创建失败")
		return fmt.Errorf("create storage path: %w", err)
	}
	if !c.fs.IsWritable(c.opts.Path) {
		c.logger.WithFields(fields).Error("缓存目录不可写")
		return ErrStorageUnavailable
	}

	if c.opts.RecoverOnInit {
		recovered, err := c.recoverIndex(ctx)
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Error("缓存恢复被中断")
			return err
		}
		fields["recovered"] = recovered
	}

	if !c.state.CompareAndSwap(stateUninitialized, stateReady) {
		return ErrClosed
	}
	fields["max_size_bytes"] = c.opts.MaxSizeBytes
	fields["recover_on_init"] = c.opts.RecoverOnInit
	c.logger.WithFields(fields).Info("缓存就绪")
	return nil
}

// recoverIndex 以元数据中的 key 为准重建索引；无法解析的记录被跳过，
// key 与文件名不符或长度不一致的条目被删除，不影响其它条目。
func (c *Cache) recoverIndex(ctx context.Context) (int, error) {
	prefixes, err := c.store.listCandidates()
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_recover", "path": c.opts.Path}).
			Error("扫描缓存目录失败")
		return 0, nil
	}

	records := make([]*Record, len(prefixes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for i, prefix := range prefixes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i] = c.loadCandidate(prefix)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	valid := records[:0]
	for _, record := range records {
		if record != nil {
			valid = append(valid, record)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].CreatedAt.Before(valid[j].CreatedAt)
	})
	for _, record := range valid {
		c.index.Put(record.Key, Descriptor{Size: record.Size, Generation: record.Generation})
	}
	return len(valid), nil
}

func (c *Cache) loadCandidate(prefix string) *Record {
	fields := logrus.Fields{"action": "cache_recover", "prefix": prefix}

	record, err := c.store.readMetadata(prefix)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("元数据解析失败，跳过")
		return nil
	}
	if encoded := EncodeKey(record.Key); encoded != prefix {
		fields["key"] = record.Key
		c.logger.WithFields(fields).Warn("元数据 key 与文件名不匹配，清理")
		c.store.deleteEntry(prefix)
		return nil
	}
	size, err := c.store.payloadSize(prefix)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("数据文件不可读，跳过")
		return nil
	}
	if size != record.Size {
		fields["record_size"] = record.Size
		fields["file_size"] = size
		c.logger.WithFields(fields).Warn("数据文件长度与元数据不一致，清理")
		c.store.deleteEntry(prefix)
		return nil
	}
	return record
}

// Ready 表示 Init 已成功且尚未 Close/Destroy。
func (c *Cache) Ready() bool {
	return c.state.Load() == stateReady
}

// Set 将 src 流式写入缓存并在成功后更新索引，返回是否提交成功。
//
// 写入顺序固定为 payload → metadata → 索引。src 读取失败、ctx 取消或长度与
// opts.Size 不符时，删除临时文件并返回 false，索引与已有条目都保持不变。
// 未就绪时直接返回 false，不会读取 src。
func (c *Cache) Set(ctx context.Context, key string, src io.Reader, opts SetOptions) bool {
	if !c.Ready() {
		return false
	}

	prefix := EncodeKey(key)
	fields := logrus.Fields{"action": "cache_set", "key": key}

	unlock := c.store.lockEntry(prefix)
	defer unlock()

	written, err := c.store.writePayload(ctx, prefix, src, opts.Size)
	if err != nil {
		fields["written"] = written
		c.logger.WithError(err).WithFields(fields).Warn("cache_stream_failed")
		return false
	}

	record := &Record{
		Key:        key,
		Size:       written,
		Generation: uuid.NewString(),
		CreatedAt:  c.now().UTC(),
		Data:       opts.Data,
	}
	if err := c.store.writeMetadata(prefix, record); err != nil {
		// 数据文件已被替换，旧记录不再可信，整条删除。
		c.logger.WithError(err).WithFields(fields).Warn("cache_metadata_failed")
		c.store.deleteEntry(prefix)
		c.index.Remove(key)
		return false
	}

	if !c.Ready() {
		return false
	}
	c.index.Put(key, Descriptor{Size: record.Size, Generation: record.Generation})

	fields["size"] = record.Size
	c.logger.WithFields(fields).Debug("cache_stored")
	return true
}

// Get 未命中返回 (nil, false)。命中时 Entry.Body 延迟打开数据文件，读取错误由调用方处理。
func (c *Cache) Get(key string) (*Entry, bool) {
	if !c.Ready() {
		return nil, false
	}
	desc, ok := c.index.Get(key)
	if !ok {
		return nil, false
	}
	prefix := EncodeKey(key)
	return &Entry{
		Key:        key,
		Size:       desc.Size,
		Generation: desc.Generation,
		Body:       newLazyFile(c.fs, c.store.dataPath(prefix)),
	}, true
}

// Metadata 读取命中条目的元数据记录。未命中返回 fs.ErrNotExist。
func (c *Cache) Metadata(key string) (*Record, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	if !c.index.Has(key) {
		return nil, fs.ErrNotExist
	}
	return c.store.readMetadata(EncodeKey(key))
}

// Has 只反映内存索引，不检查文件系统。
func (c *Cache) Has(key string) bool {
	if !c.Ready() {
		return false
	}
	return c.index.Has(key)
}

// Keys 返回当前索引中的全部键，顺序不作保证。
func (c *Cache) Keys() []string {
	if !c.Ready() {
		return nil
	}
	return c.index.Keys()
}

// Stats 返回当前状态快照。
func (c *Cache) Stats() Stats {
	evictions, expirations := c.index.Counters()
	stats := Stats{
		Ready:        c.Ready(),
		MaxSizeBytes: c.opts.MaxSizeBytes,
		Evictions:    evictions,
		Expirations:  expirations,
	}
	if stats.Ready {
		stats.Entries = c.index.Len()
		stats.SizeBytes = c.index.SizeBytes()
	}
	return stats
}

// WaitDisposals 阻塞到目前已产生的淘汰全部处理完。
func (c *Cache) WaitDisposals() {
	c.disposer.Wait()
}

// Close 停止后台清理并使缓存失效，磁盘数据保留给下一次恢复。
func (c *Cache) Close() error {
	if !c.state.CompareAndSwap(stateReady, stateClosed) &&
		!c.state.CompareAndSwap(stateUninitialized, stateClosed) {
		return nil
	}
	c.disposer.Close()
	return nil
}

// Destroy 递归删除存储目录并结束缓存生命周期，之后的操作全部为空操作。
func (c *Cache) Destroy() error {
	if c.state.Swap(stateDestroyed) == stateDestroyed {
		return nil
	}
	c.disposer.Close()
	c.index.Reset()

	fields := logrus.Fields{"action": "cache_destroy", "path": c.opts.Path}
	if err := c.fs.RemoveAll(c.opts.Path); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("删除缓存目录失败")
		return fmt.Errorf("remove storage path: %w", err)
	}
	c.logger.WithFields(fields).Info("缓存已销毁")
	return nil
}

// dispose 在前缀锁内执行：磁盘上的 generation 与淘汰时不同，说明条目已被重新写入，跳过删除。
func (c *Cache) dispose(e Eviction) {
	prefix := EncodeKey(e.Key)
	fields := logrus.Fields{
		"action": "cache_dispose",
		"key":    e.Key,
		"reason": e.Reason.String(),
	}

	unlock := c.store.lockEntry(prefix)
	defer unlock()

	if c.state.Load() == stateDestroyed {
		return
	}

	record, err := c.store.readMetadata(prefix)
	if err == nil && record.Generation != e.Descriptor.Generation {
		c.logger.WithFields(fields).Debug("cache_dispose_superseded")
		return
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.WithError(err).WithFields(fields).Warn("cache_dispose_unreadable_record")
	}

	c.store.deleteEntry(prefix)
	c.logger.WithFields(fields).Debug("cache_disposed")
}

package cache

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/proxycache/internal/diskfs"
)

const (
	metaSuffix    = ".meta"
	dataSuffix    = ".data"
	pendingPrefix = diskfs.TempPrefix

	// DefaultMaxAge 是索引条目的固定过期上限，与容量淘汰相互独立。
	DefaultMaxAge = time.Hour
)

var (
	// ErrNotReady 表示 Init 尚未成功完成。
	ErrNotReady = errors.New("cache not initialized")
	// ErrDestroyed 表示缓存已调用 Destroy，生命周期结束。
	ErrDestroyed = errors.New("cache destroyed")
	// ErrClosed 表示缓存已调用 Close。
	ErrClosed = errors.New("cache closed")
	// ErrStorageUnavailable 表示存储目录存在但不可写。
	ErrStorageUnavailable = errors.New("cache storage unavailable")
	// ErrInvalidRecord 表示元数据文件无法解析或缺少必填字段。
	ErrInvalidRecord = errors.New("invalid cache record")
	// ErrSizeMismatch 表示上游声明的长度与实际读取的字节数不一致。
	ErrSizeMismatch = errors.New("payload size mismatch")
)

// Options 在构造阶段传入，Init 之后不可修改。
type Options struct {
	// Path 是缓存独占的存储目录。
	Path string
	// MaxSizeBytes 是所有条目 size 之和的上限，超过后按 LRU 淘汰。
	MaxSizeBytes int64
	// RecoverOnInit 为 true 时 Init 会扫描 Path 重建内存索引。
	RecoverOnInit bool
	// MaxAge 是条目自写入起的最长存活时间，0 表示关闭。
	MaxAge time.Duration
	// FS 默认使用 diskfs.NewReal()。
	FS diskfs.FS
	// Logger 默认使用 logrus 标准 logger。
	Logger logrus.FieldLogger
}

// SetOptions 控制单次 Set 的可选属性。
type SetOptions struct {
	// Size 是调用方已知的 payload 长度；0 表示边复制边计数。
	Size int64
	// Data 随元数据持久化，代理层用它保存响应头。
	Data map[string]string
}

// Entry 是一次命中结果。Body 在第一次 Read 时才打开数据文件，调用方负责 Close。
type Entry struct {
	Key        string
	Size       int64
	Generation string
	Body       io.ReadCloser
}

// Stats 汇总当前缓存状态，供诊断接口输出。
type Stats struct {
	Ready        bool   `json:"ready"`
	Entries      int    `json:"entries"`
	SizeBytes    int64  `json:"size_bytes"`
	MaxSizeBytes int64  `json:"max_size_bytes"`
	Evictions    uint64 `json:"evictions"`
	Expirations  uint64 `json:"expirations"`
}

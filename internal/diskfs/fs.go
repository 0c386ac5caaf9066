package diskfs

import (
	"io"
	"os"
)

// TempPrefix 是本包及调用方创建的临时文件统一使用的隐藏前缀，崩溃后残留的此类文件可安全清理。
const TempPrefix = ".pending-"

// File 是 FS 返回的可写文件句柄，*os.File 天然满足。
type File interface {
	io.WriteCloser
	Name() string
	Sync() error
}

// FS 汇总缓存引擎依赖的全部文件系统操作，方法语义与 os 包保持一致。
type FS interface {
	// MkdirAll 递归创建目录，目录已存在时不报错。
	MkdirAll(path string, perm os.FileMode) error

	// Open 以只读方式打开文件。
	Open(path string) (io.ReadCloser, error)

	// CreateTemp 在 dir 下创建唯一命名的临时文件，pattern 语义同 os.CreateTemp。
	CreateTemp(dir, pattern string) (File, error)

	// ReadFile 读取整个文件，仅用于元数据这类小文件。
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic 通过临时文件 + rename 写入，读者不会观察到半写入的内容。
	WriteFileAtomic(path string, data []byte) error

	// Rename 在同一文件系统内原子替换目标路径。
	Rename(oldpath, newpath string) error

	// Remove 删除单个文件；文件不存在时返回 fs.ErrNotExist。
	Remove(path string) error

	// RemoveAll 递归删除，路径不存在时不报错。
	RemoveAll(path string) error

	// Exists 判断路径是否存在；不存在返回 (false, nil)。
	Exists(path string) (bool, error)

	// FileSize 返回普通文件的字节数。
	FileSize(path string) (int64, error)

	// IsWritable 判断目录当前进程是否可写。
	IsWritable(dir string) bool

	// ListFiles 非递归列出 dir 下以任一 suffix 结尾的普通文件名（不含目录部分），按名称排序。
	ListFiles(dir string, suffixes ...string) ([]string, error)
}

// Compile-time interface checks.
var (
	_ File = (*os.File)(nil)
	_ FS   = (*Real)(nil)
)

package blocks

import (
	"io"
	"os"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/storage/basic"
)

// Mode 文件打开模式
type Mode int

const (
	// ModeRead 只读模式
	ModeRead Mode = iota
	// ModeWrite 读写模式, 文件不存在时创建
	ModeWrite
)

// BlockFile 以页为单位的定位读写文件
//
// ReadBlock/WriteBlock使用pread/pwrite语义, 不共享文件游标,
// 对不相交区间的并发读写是安全的. Resize由调用方串行化.
type BlockFile struct {
	mode Mode
	path string

	mu     sync.Mutex // 保护closed与Resize
	file   *os.File
	closed bool
}

// Open 打开一个块文件, 已存在的文件不会被截断
func Open(path string, mode Mode) (*BlockFile, error) {
	var file *os.File
	var err error
	switch mode {
	case ModeRead:
		file, err = os.OpenFile(path, os.O_RDONLY, 0666)
	case ModeWrite:
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	default:
		return nil, errors.NotValidf("file mode %d", mode)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "open block file %s", path)
	}
	return &BlockFile{mode: mode, path: path, file: file}, nil
}

// NewTempFile 创建一个临时块文件, 创建后立即从目录中摘除,
// 句柄关闭时文件随之消失
func NewTempFile(dir string) (*BlockFile, error) {
	file, err := os.CreateTemp(dir, "xengine-*")
	if err != nil {
		return nil, errors.Annotate(err, "create temp block file")
	}
	if err := os.Remove(file.Name()); err != nil {
		file.Close()
		return nil, errors.Annotate(err, "unlink temp block file")
	}
	return &BlockFile{mode: ModeWrite, path: file.Name(), file: file}, nil
}

// Mode 返回打开模式
func (bf *BlockFile) Mode() Mode {
	return bf.mode
}

// Path 返回文件路径
func (bf *BlockFile) Path() string {
	return bf.path
}

// Size 返回当前文件大小
func (bf *BlockFile) Size() (int64, error) {
	stat, err := bf.file.Stat()
	if err != nil {
		return 0, errors.Annotatef(err, "stat %s", bf.path)
	}
	return stat.Size(), nil
}

// Resize 调整文件大小, 缩小时截断, 扩大时补零
func (bf *BlockFile) Resize(newSize int64) error {
	if bf.mode == ModeRead {
		return errors.Trace(basic.ErrReadOnlyFile)
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return errors.Trace(basic.ErrFileClosed)
	}
	return errors.Annotatef(bf.file.Truncate(newSize), "resize %s to %d", bf.path, newSize)
}

// ReadBlock 从offset处读满buf, 超出文件末尾的部分补零
func (bf *BlockFile) ReadBlock(offset int64, buf []byte) error {
	if offset < 0 {
		return errors.Trace(basic.ErrInvalidFileOff)
	}
	n, err := bf.file.ReadAt(buf, offset)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return errors.Annotatef(err, "read %d bytes at %d from %s", len(buf), offset, bf.path)
}

// WriteBlock 将buf写到offset处
func (bf *BlockFile) WriteBlock(offset int64, buf []byte) error {
	if bf.mode == ModeRead {
		return errors.Trace(basic.ErrReadOnlyFile)
	}
	if offset < 0 {
		return errors.Trace(basic.ErrInvalidFileOff)
	}
	_, err := bf.file.WriteAt(buf, offset)
	return errors.Annotatef(err, "write %d bytes at %d to %s", len(buf), offset, bf.path)
}

// Close 关闭文件
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return nil
	}
	bf.closed = true
	return errors.Trace(bf.file.Close())
}

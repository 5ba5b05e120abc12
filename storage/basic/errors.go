package basic

import "errors"

// 文件相关错误
var (
	ErrReadOnlyFile   = errors.New("file opened in read-only mode")
	ErrFileClosed     = errors.New("file already closed")
	ErrInvalidFileOff = errors.New("invalid file offset")
)

// 缓冲池相关错误
var (
	ErrBufferFull      = errors.New("buffer is full")
	ErrInvalidPageSize = errors.New("invalid page size")
)

// 记录存储相关错误
var (
	ErrRecordTooLarge   = errors.New("record does not fit on a page")
	ErrInvalidTID       = errors.New("invalid tuple id")
	ErrTableNotFound    = errors.New("table not found")
	ErrSchemaNotLoaded  = errors.New("schema not loaded")
	ErrSchemaCorrupted  = errors.New("schema corrupted")
	ErrPageCorrupted    = errors.New("page corrupted")
	ErrSlotOutOfRange   = errors.New("slot out of range")
	ErrRedirectChaining = errors.New("redirect target must not redirect again")
)

// 锁相关错误
var (
	ErrDeadlock        = errors.New("deadlock detected")
	ErrInvalidLockMode = errors.New("invalid lock mode")
)

package store

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/schemas"
	"github.com/zhukovaskychina/xengine/storage/segs"
	"github.com/zhukovaskychina/xengine/util"
)

// schemaReservedBytes 第0页开头的保留区: 前8字节是载荷长度,
// 其余字节预留给将来的元数据头, 载荷从第20字节开始.
const schemaReservedBytes = 20

// SchemaSegment 元数据段.
//
// 布局: 第0页 [0,8)为小端载荷长度, [20, pageSize)开始是JSON载荷,
// 后续页是纯载荷, 需要多少页就占多少页.
type SchemaSegment struct {
	segs.Segment

	schema *schemas.Schema
}

// NewSchemaSegment 构造元数据段
func NewSchemaSegment(segmentID basic.SegmentID, bufferManager *buffer_pool.BufferManager) *SchemaSegment {
	return &SchemaSegment{Segment: segs.NewSegment(segmentID, bufferManager)}
}

// SetSchema 设置内存中的Schema
func (s *SchemaSegment) SetSchema(schema *schemas.Schema) {
	s.schema = schema
}

// Schema 返回内存中的Schema
func (s *SchemaSegment) Schema() *schemas.Schema {
	return s.schema
}

// Read 从磁盘读入并反序列化Schema
func (s *SchemaSegment) Read() error {
	pageSize := s.BufferManager.PageSize()

	frame, err := s.BufferManager.FixPage(s.PageID(0), false)
	if err != nil {
		return errors.Trace(err)
	}
	payloadLen := util.ReadUB8(frame.Data(), 0)

	buffer := make([]byte, payloadLen)
	remaining := payloadLen
	bufferOffset := uint64(0)

	// 第0页载荷
	n := remaining
	if max := uint64(pageSize - schemaReservedBytes); n > max {
		n = max
	}
	copy(buffer[bufferOffset:], frame.Data()[schemaReservedBytes:schemaReservedBytes+n])
	bufferOffset += n
	remaining -= n
	s.BufferManager.UnfixPage(frame, false)

	// 后续纯载荷页
	for pageOffset := basic.FileOffset(1); remaining > 0; pageOffset++ {
		frame, err := s.BufferManager.FixPage(s.PageID(pageOffset), false)
		if err != nil {
			return errors.Trace(err)
		}
		n := remaining
		if n > uint64(pageSize) {
			n = uint64(pageSize)
		}
		copy(buffer[bufferOffset:], frame.Data()[:n])
		bufferOffset += n
		remaining -= n
		s.BufferManager.UnfixPage(frame, false)
	}

	if payloadLen == 0 {
		s.schema = schemas.NewSchema(nil)
		return nil
	}
	schema, err := schemas.Unmarshal(buffer)
	if err != nil {
		return errors.Annotate(basic.ErrSchemaCorrupted, err.Error())
	}
	s.schema = schema
	logger.Debugf("schema loaded from segment %d: %d tables", s.SegmentID, len(schema.Tables))
	return nil
}

// Write 序列化Schema并写回磁盘
func (s *SchemaSegment) Write() error {
	pageSize := s.BufferManager.PageSize()

	frame, err := s.BufferManager.FixPage(s.PageID(0), true)
	if err != nil {
		return errors.Trace(err)
	}

	if s.schema == nil {
		util.WriteUB8(frame.Data(), 0, 0)
		s.BufferManager.UnfixPage(frame, true)
		return nil
	}

	payload, err := s.schema.Marshal()
	if err != nil {
		s.BufferManager.UnfixPage(frame, false)
		return errors.Trace(err)
	}
	util.WriteUB8(frame.Data(), 0, uint64(len(payload)))

	remaining := len(payload)
	payloadOffset := 0

	// 第0页载荷
	n := remaining
	if max := pageSize - schemaReservedBytes; n > max {
		n = max
	}
	copy(frame.Data()[schemaReservedBytes:], payload[payloadOffset:payloadOffset+n])
	payloadOffset += n
	remaining -= n
	s.BufferManager.UnfixPage(frame, true)

	// 后续纯载荷页
	for pageOffset := basic.FileOffset(1); remaining > 0; pageOffset++ {
		frame, err := s.BufferManager.FixPage(s.PageID(pageOffset), true)
		if err != nil {
			return errors.Trace(err)
		}
		n := remaining
		if n > pageSize {
			n = pageSize
		}
		copy(frame.Data(), payload[payloadOffset:payloadOffset+n])
		payloadOffset += n
		remaining -= n
		s.BufferManager.UnfixPage(frame, true)
	}
	return nil
}

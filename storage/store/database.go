package store

import (
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/schemas"
	"github.com/zhukovaskychina/xengine/util"
)

// Database 记录存储的装配层: 持有元数据段,
// 并为每张表绑定它的FSI段与槽页段.
type Database struct {
	bufferManager *buffer_pool.BufferManager

	schemaSegment *SchemaSegment
	slottedPages  map[basic.SegmentID]*SPSegment
	fsiSegments   map[basic.SegmentID]*FSISegment
}

// NewDatabase 在缓冲池上构造数据库
func NewDatabase(bufferManager *buffer_pool.BufferManager) *Database {
	return &Database{
		bufferManager: bufferManager,
		slottedPages:  make(map[basic.SegmentID]*SPSegment),
		fsiSegments:   make(map[basic.SegmentID]*FSISegment),
	}
}

// bindSegments 为每张表建立FSI段与槽页段
func (db *Database) bindSegments() error {
	schema := db.schemaSegment.Schema()
	for i := range schema.Tables {
		table := &schema.Tables[i]
		fsi, err := NewFSISegment(table.FSISegment, db.bufferManager, table)
		if err != nil {
			return errors.Trace(err)
		}
		sp, err := NewSPSegment(table.SPSegment, db.bufferManager, db.schemaSegment, fsi, table)
		if err != nil {
			return errors.Trace(err)
		}
		db.fsiSegments[table.FSISegment] = fsi
		db.slottedPages[table.SPSegment] = sp
	}
	return nil
}

// SetSchema 装入一个新Schema (段ID 0), 并为所有表建段
func (db *Database) SetSchema(schema *schemas.Schema) error {
	if db.schemaSegment != nil {
		if err := db.schemaSegment.Write(); err != nil {
			return errors.Trace(err)
		}
	}
	db.schemaSegment = NewSchemaSegment(0, db.bufferManager)
	db.schemaSegment.SetSchema(schema)
	if err := db.bindSegments(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("schema set: %d tables", len(schema.Tables))
	return nil
}

// LoadSchema 从磁盘读入Schema并为所有表建段
func (db *Database) LoadSchema(segmentID basic.SegmentID) error {
	if db.schemaSegment != nil {
		if err := db.schemaSegment.Write(); err != nil {
			return errors.Trace(err)
		}
	}
	db.schemaSegment = NewSchemaSegment(segmentID, db.bufferManager)
	if err := db.schemaSegment.Read(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.bindSegments())
}

// Schema 返回当前Schema
func (db *Database) Schema() (*schemas.Schema, error) {
	if db.schemaSegment == nil || db.schemaSegment.Schema() == nil {
		return nil, errors.Trace(basic.ErrSchemaNotLoaded)
	}
	return db.schemaSegment.Schema(), nil
}

// Table 按表名查表
func (db *Database) Table(name string) (*schemas.Table, error) {
	schema, err := db.Schema()
	if err != nil {
		return nil, errors.Trace(err)
	}
	table := schema.Table(name)
	if table == nil {
		return nil, errors.Annotatef(basic.ErrTableNotFound, "table %s", name)
	}
	return table, nil
}

// SPSegmentOf 返回一张表的槽页段
func (db *Database) SPSegmentOf(table *schemas.Table) (*SPSegment, error) {
	sp, ok := db.slottedPages[table.SPSegment]
	if !ok {
		return nil, errors.Annotatef(basic.ErrTableNotFound, "segment %d", table.SPSegment)
	}
	return sp, nil
}

// Insert 把一行按列序列化后写入表, 返回TID.
// 整数列占4字节小端, 字符列右侧补空格到定长.
func (db *Database) Insert(table *schemas.Table, row []string) (TID, error) {
	if len(row) != len(table.Columns) {
		return 0, errors.NotValidf("%d values for %d columns", len(row), len(table.Columns))
	}
	record := make([]byte, 0, 64)
	for i, column := range table.Columns {
		switch column.Type.Class {
		case schemas.TypeInteger:
			value, err := strconv.Atoi(strings.TrimSpace(row[i]))
			if err != nil {
				return 0, errors.Annotatef(err, "column %s", column.Name)
			}
			var cell [4]byte
			util.WriteUB4(cell[:], 0, uint32(int32(value)))
			record = append(record, cell[:]...)
		case schemas.TypeChar:
			cell := make([]byte, column.Type.Length)
			copy(cell, row[i])
			for j := len(row[i]); j < len(cell); j++ {
				cell[j] = ' '
			}
			record = append(record, cell...)
		}
	}

	sp, err := db.SPSegmentOf(table)
	if err != nil {
		return 0, errors.Trace(err)
	}
	tid, err := sp.Allocate(uint32(len(record)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := sp.Write(tid, record); err != nil {
		return 0, errors.Trace(err)
	}
	return tid, nil
}

// ReadRow 按TID读一行并按列反序列化
func (db *Database) ReadRow(table *schemas.Table, tid TID) ([]string, error) {
	sp, err := db.SPSegmentOf(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	recordSize := uint32(0)
	for _, column := range table.Columns {
		recordSize += column.Type.ByteSize()
	}
	record := make([]byte, recordSize)
	if _, err := sp.Read(tid, record); err != nil {
		return nil, errors.Trace(err)
	}

	row := make([]string, 0, len(table.Columns))
	offset := 0
	for _, column := range table.Columns {
		switch column.Type.Class {
		case schemas.TypeInteger:
			value := int32(util.ReadUB4(record, offset))
			row = append(row, strconv.Itoa(int(value)))
			offset += 4
		case schemas.TypeChar:
			end := offset + int(column.Type.Length)
			row = append(row, strings.TrimRight(string(record[offset:end]), " "))
			offset = end
		}
	}
	return row, nil
}

// Close 写回Schema并关闭缓冲池
func (db *Database) Close() error {
	if db.schemaSegment != nil {
		if err := db.schemaSegment.Write(); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(db.bufferManager.Close())
}

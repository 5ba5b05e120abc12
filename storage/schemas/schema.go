package schemas

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/storage/basic"
)

// TypeClass 列类型类别
type TypeClass uint8

const (
	// TypeInteger 整数列
	TypeInteger TypeClass = iota
	// TypeChar 定长字符列
	TypeChar
)

// Type 列类型
type Type struct {
	Class  TypeClass
	Length uint32
}

// IntegerType 构造整数类型
func IntegerType() Type {
	return Type{Class: TypeInteger}
}

// CharType 构造定长字符类型
func CharType(length uint32) Type {
	return Type{Class: TypeChar, Length: length}
}

// Name 返回类型名
func (t Type) Name() string {
	switch t.Class {
	case TypeInteger:
		return "integer"
	case TypeChar:
		return "char"
	default:
		return "unknown"
	}
}

// ByteSize 返回该类型在记录中占用的字节数
func (t Type) ByteSize() uint32 {
	switch t.Class {
	case TypeInteger:
		return 4
	default:
		return t.Length
	}
}

type typeJSON struct {
	Class  string `json:"tclass"`
	Length uint32 `json:"length"`
}

// MarshalJSON 按类型名序列化
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(typeJSON{Class: t.Name(), Length: t.Length})
}

// UnmarshalJSON 按类型名反序列化
func (t *Type) UnmarshalJSON(data []byte) error {
	var raw typeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Trace(err)
	}
	switch raw.Class {
	case "integer":
		t.Class = TypeInteger
	case "char":
		t.Class = TypeChar
	default:
		return errors.NotValidf("column type %q", raw.Class)
	}
	t.Length = raw.Length
	return nil
}

// Column 表的一列
type Column struct {
	Name string `json:"id"`
	Type Type   `json:"type"`
}

// Table 表的元数据: 列定义, 主键, 以及数据段/空闲空间清单段的归属.
// 两个页计数由段在分配新页时维护, 随Schema一同落盘.
type Table struct {
	Name       string   `json:"id"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`

	// SPSegment 槽页数据段ID
	SPSegment basic.SegmentID `json:"sp_segment"`
	// FSISegment 空闲空间清单段ID
	FSISegment basic.SegmentID `json:"fsi_segment"`

	// AllocatedSlottedPages 已分配的槽页数量
	AllocatedSlottedPages uint64 `json:"allocated_slotted_pages"`
	// AllocatedFSIPages 已分配的FSI页数量
	AllocatedFSIPages uint64 `json:"allocated_fsi_pages"`
}

// Column 按列名查列, 不存在时返回nil
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Schema 有序的表集合
type Schema struct {
	Tables []Table `json:"tables"`
}

// NewSchema 构造Schema
func NewSchema(tables []Table) *Schema {
	return &Schema{Tables: tables}
}

// Table 按表名查表, 不存在时返回nil
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Marshal 序列化为JSON字节
func (s *Schema) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	return data, errors.Trace(err)
}

// Unmarshal 从JSON字节反序列化
func Unmarshal(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Annotate(err, "unmarshal schema")
	}
	return &s, nil
}

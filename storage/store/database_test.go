package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/schemas"
)

func TestDatabaseInsertAndRead(t *testing.T) {
	bm, err := buffer_pool.NewBufferManager(1024, 50, t.TempDir())
	require.NoError(t, err)

	db := NewDatabase(bm)
	require.NoError(t, db.SetSchema(schemas.NewSchema([]schemas.Table{*newOrderTable()})))

	table, err := db.Table("order")
	require.NoError(t, err)

	tid, err := db.Insert(table, []string{"10", "20", "O", "rush delivery"})
	require.NoError(t, err)
	tid2, err := db.Insert(table, []string{"-5", "7", "F", "backordered"})
	require.NoError(t, err)

	row, err := db.ReadRow(table, tid)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "20", "O", "rush delivery"}, row)

	row, err = db.ReadRow(table, tid2)
	require.NoError(t, err)
	assert.Equal(t, []string{"-5", "7", "F", "backordered"}, row)

	require.NoError(t, db.Close())
}

func TestDatabasePersistsSchemaAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	bm, err := buffer_pool.NewBufferManager(1024, 50, dir)
	require.NoError(t, err)

	db := NewDatabase(bm)
	require.NoError(t, db.SetSchema(schemas.NewSchema([]schemas.Table{*newOrderTable()})))
	table, err := db.Table("order")
	require.NoError(t, err)
	tid, err := db.Insert(table, []string{"1", "2", "X", "persisted"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// 重启: Schema和记录都要回来
	bm, err = buffer_pool.NewBufferManager(1024, 50, dir)
	require.NoError(t, err)
	db = NewDatabase(bm)
	require.NoError(t, db.LoadSchema(0))
	table, err = db.Table("order")
	require.NoError(t, err)
	assert.NotZero(t, table.AllocatedSlottedPages)

	row, err := db.ReadRow(table, tid)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "X", "persisted"}, row)
	require.NoError(t, db.Close())
}

func TestDatabaseUnknownTable(t *testing.T) {
	bm, err := buffer_pool.NewBufferManager(1024, 10, t.TempDir())
	require.NoError(t, err)

	db := NewDatabase(bm)
	require.NoError(t, db.SetSchema(schemas.NewSchema(nil)))
	_, err = db.Table("missing")
	assert.Error(t, err)
	require.NoError(t, db.Close())
}

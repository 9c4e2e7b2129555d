package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"rsdb/pkg/types"

	"github.com/stretchr/testify/assert"
)

func initTestPath(t *testing.T) string {
	dir := filepath.Join("/tmp", t.Name())
	os.RemoveAll(dir)
	return dir
}

func usersSchema() *types.Schema {
	return types.NewSchema("users", "id").
		AddColumn("id", types.TInteger, true).
		AddColumn("name", types.TText, true)
}

func TestCreateDropVersion(t *testing.T) {
	c := NewCatalog(nil)
	assert.Equal(t, uint64(0), c.Version())
	assert.Nil(t, c.CreateTable(usersSchema()))
	assert.ErrorIs(t, c.CreateTable(usersSchema()), ErrDuplicate)
	assert.Equal(t, uint64(1), c.Version())
	assert.True(t, c.HasTable("users"))

	assert.Nil(t, c.DropTable("users"))
	assert.ErrorIs(t, c.DropTable("users"), ErrTableNotFound)
	assert.Equal(t, uint64(2), c.Version())
}

func TestAlterTable(t *testing.T) {
	c := NewCatalog(nil)
	assert.Nil(t, c.CreateTable(usersSchema()))

	schema, err := c.AlterTable("users", AlterOp{
		Kind:   AlterAddColumn,
		Column: types.ColumnDef{Name: "note", Type: types.TText},
	})
	assert.Nil(t, err)
	assert.NotNil(t, schema.Column("note"))

	_, err = c.AlterTable("users", AlterOp{Kind: AlterDropColumn, Name: "id"})
	assert.ErrorIs(t, err, ErrBadAlter)

	schema, err = c.AlterTable("users", AlterOp{Kind: AlterRenameColumn, Name: "name", NewName: "full_name"})
	assert.Nil(t, err)
	assert.Nil(t, schema.Column("name"))
	assert.NotNil(t, schema.Column("full_name"))

	schema, err = c.AlterTable("users", AlterOp{Kind: AlterDropColumn, Name: "note"})
	assert.Nil(t, err)
	assert.Nil(t, schema.Column("note"))
}

func TestJournalAppend(t *testing.T) {
	dir := initTestPath(t)
	driver := NewNodeDriver(dir, "catalog", nil)
	c := NewCatalog(driver)
	defer c.Close()

	assert.Nil(t, c.CreateTable(usersSchema()))
	_, err := c.AlterTable("users", AlterOp{Kind: AlterRenameColumn, Name: "name", NewName: "n"})
	assert.Nil(t, err)
	assert.Nil(t, c.DropTable("users"))
}

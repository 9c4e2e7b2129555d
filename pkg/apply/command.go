package apply

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"rsdb/pkg/catalog"
	"rsdb/pkg/common"
	"rsdb/pkg/types"
)

// Replicated command tags. New variants get new tags; a replica that reads
// an unknown tag halts rather than skip the entry.
const (
	CmdInvalid int16 = iota
	CmdCreateTable
	CmdDropTable
	CmdAlterTable
	CmdInsert
	CmdUpdate
	CmdDelete
	CmdCreateIndex
	CmdDropIndex
	CmdBeginTx
	CmdCommitTx
	CmdAbortTx
)

var ErrUnknownCommand = errors.New("rsdb: unknown command tag")

type Command interface {
	WriteTo(io.Writer) error
	ReadFrom(io.Reader) error
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
	GetType() int16
	String() string
}

var cmdFactories = make(map[int16]func() Command)

func RegisterCmdFactory(t int16, factory func() Command) {
	if _, ok := cmdFactories[t]; ok {
		panic(fmt.Sprintf("duplicate command factory: %d", t))
	}
	cmdFactories[t] = factory
}

// ReadCommand decodes one tagged command from r.
func ReadCommand(r io.Reader) (cmd Command, err error) {
	var t int16
	if err = binary.Read(r, binary.BigEndian, &t); err != nil {
		return
	}
	factory := cmdFactories[t]
	if factory == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, t)
	}
	cmd = factory()
	err = cmd.ReadFrom(r)
	return
}

func init() {
	RegisterCmdFactory(CmdCreateTable, func() Command { return new(CreateTableCmd) })
	RegisterCmdFactory(CmdDropTable, func() Command { return new(DropTableCmd) })
	RegisterCmdFactory(CmdAlterTable, func() Command { return new(AlterTableCmd) })
	RegisterCmdFactory(CmdInsert, func() Command { return new(InsertCmd) })
	RegisterCmdFactory(CmdUpdate, func() Command { return new(UpdateCmd) })
	RegisterCmdFactory(CmdDelete, func() Command { return new(DeleteCmd) })
	RegisterCmdFactory(CmdCreateIndex, func() Command { return new(CreateIndexCmd) })
	RegisterCmdFactory(CmdDropIndex, func() Command { return new(DropIndexCmd) })
	RegisterCmdFactory(CmdBeginTx, func() Command { return new(BeginTxCmd) })
	RegisterCmdFactory(CmdCommitTx, func() Command { return new(CommitTxCmd) })
	RegisterCmdFactory(CmdAbortTx, func() Command { return new(AbortTxCmd) })
}

type BaseCmd struct{}

func marshalCmd(cmd Command) (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = cmd.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func unmarshalCmd(cmd Command, buf []byte) error {
	bbuf := bytes.NewBuffer(buf)
	var t int16
	if err := binary.Read(bbuf, binary.BigEndian, &t); err != nil {
		return err
	}
	if t != cmd.GetType() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, t)
	}
	return cmd.ReadFrom(bbuf)
}

func writeTag(cmd Command, w io.Writer) error {
	return binary.Write(w, binary.BigEndian, cmd.GetType())
}

type CompareOp = int16

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// Predicate selects rows for Update and Delete. The zero value with All set
// matches every row.
type Predicate struct {
	All    bool
	Column string
	Op     CompareOp
	Value  types.Value
}

func MatchAll() Predicate { return Predicate{All: true} }

func Where(column string, op CompareOp, value types.Value) Predicate {
	return Predicate{Column: column, Op: op, Value: value}
}

func (p *Predicate) Match(schema *types.Schema, row *types.Row) bool {
	if p.All {
		return true
	}
	var v types.Value
	if p.Column == schema.PKColumn {
		v = row.PK
	} else {
		col, ok := row.Get(p.Column)
		if !ok || col.IsNull() {
			return false
		}
		v = col
	}
	c := v.Compare(p.Value)
	switch p.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	default:
		return c >= 0
	}
}

func (p *Predicate) WriteTo(w io.Writer) (err error) {
	all := uint8(0)
	if p.All {
		all = 1
	}
	if err = binary.Write(w, binary.BigEndian, all); err != nil {
		return
	}
	if p.All {
		return
	}
	if _, err = common.WriteString(p.Column, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, p.Op); err != nil {
		return
	}
	_, err = p.Value.WriteTo(w)
	return
}

func (p *Predicate) ReadFrom(r io.Reader) (err error) {
	var all uint8
	if err = binary.Read(r, binary.BigEndian, &all); err != nil {
		return
	}
	if all != 0 {
		p.All = true
		return
	}
	if p.Column, _, err = common.ReadString(r); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &p.Op); err != nil {
		return
	}
	_, err = p.Value.ReadFrom(r)
	return
}

func (p *Predicate) String() string {
	if p.All {
		return "*"
	}
	return fmt.Sprintf("%s op%d %s", p.Column, p.Op, p.Value.String())
}

type Assignment struct {
	Column string
	Value  types.Value
}

type CreateTableCmd struct {
	BaseCmd
	Schema *types.Schema
}

func NewCreateTableCmd(schema *types.Schema) *CreateTableCmd {
	return &CreateTableCmd{Schema: schema}
}

func (cmd *CreateTableCmd) GetType() int16 { return CmdCreateTable }
func (cmd *CreateTableCmd) String() string {
	return fmt.Sprintf("[CreateTable %s]", cmd.Schema.Name)
}

func (cmd *CreateTableCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	_, err = cmd.Schema.WriteTo(w)
	return
}

func (cmd *CreateTableCmd) ReadFrom(r io.Reader) (err error) {
	cmd.Schema = new(types.Schema)
	_, err = cmd.Schema.ReadFrom(r)
	return
}

func (cmd *CreateTableCmd) Marshal() ([]byte, error)    { return marshalCmd(cmd) }
func (cmd *CreateTableCmd) Unmarshal(buf []byte) error  { return unmarshalCmd(cmd, buf) }

type DropTableCmd struct {
	BaseCmd
	Name string
}

func NewDropTableCmd(name string) *DropTableCmd { return &DropTableCmd{Name: name} }

func (cmd *DropTableCmd) GetType() int16 { return CmdDropTable }
func (cmd *DropTableCmd) String() string { return fmt.Sprintf("[DropTable %s]", cmd.Name) }

func (cmd *DropTableCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	_, err = common.WriteString(cmd.Name, w)
	return
}

func (cmd *DropTableCmd) ReadFrom(r io.Reader) (err error) {
	cmd.Name, _, err = common.ReadString(r)
	return
}

func (cmd *DropTableCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *DropTableCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type AlterTableCmd struct {
	BaseCmd
	Table string
	Op    catalog.AlterOp
}

func NewAlterTableCmd(table string, op catalog.AlterOp) *AlterTableCmd {
	return &AlterTableCmd{Table: table, Op: op}
}

func (cmd *AlterTableCmd) GetType() int16 { return CmdAlterTable }
func (cmd *AlterTableCmd) String() string {
	return fmt.Sprintf("[AlterTable %s kind=%d]", cmd.Table, cmd.Op.Kind)
}

func (cmd *AlterTableCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.Op.Kind); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Op.Column.Name, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.Op.Column.Type); err != nil {
		return
	}
	notNull := uint8(0)
	if cmd.Op.Column.NotNull {
		notNull = 1
	}
	if err = binary.Write(w, binary.BigEndian, notNull); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Op.Name, w); err != nil {
		return
	}
	_, err = common.WriteString(cmd.Op.NewName, w)
	return
}

func (cmd *AlterTableCmd) ReadFrom(r io.Reader) (err error) {
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &cmd.Op.Kind); err != nil {
		return
	}
	if cmd.Op.Column.Name, _, err = common.ReadString(r); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &cmd.Op.Column.Type); err != nil {
		return
	}
	var notNull uint8
	if err = binary.Read(r, binary.BigEndian, &notNull); err != nil {
		return
	}
	cmd.Op.Column.NotNull = notNull != 0
	if cmd.Op.Name, _, err = common.ReadString(r); err != nil {
		return
	}
	cmd.Op.NewName, _, err = common.ReadString(r)
	return
}

func (cmd *AlterTableCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *AlterTableCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type InsertCmd struct {
	BaseCmd
	TxID  uint64
	Table string
	Row   *types.Row
}

func NewInsertCmd(txID uint64, table string, row *types.Row) *InsertCmd {
	return &InsertCmd{TxID: txID, Table: table, Row: row}
}

func (cmd *InsertCmd) GetType() int16 { return CmdInsert }
func (cmd *InsertCmd) String() string {
	return fmt.Sprintf("[Insert %s pk=%s tx=%d]", cmd.Table, cmd.Row.PK.String(), cmd.TxID)
}

func (cmd *InsertCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.TxID); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	_, err = cmd.Row.WriteTo(w)
	return
}

func (cmd *InsertCmd) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &cmd.TxID); err != nil {
		return
	}
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	cmd.Row = new(types.Row)
	_, err = cmd.Row.ReadFrom(r)
	return
}

func (cmd *InsertCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *InsertCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type UpdateCmd struct {
	BaseCmd
	TxID        uint64
	Table       string
	Predicate   Predicate
	Assignments []Assignment
}

func NewUpdateCmd(txID uint64, table string, pred Predicate, assignments []Assignment) *UpdateCmd {
	return &UpdateCmd{TxID: txID, Table: table, Predicate: pred, Assignments: assignments}
}

func (cmd *UpdateCmd) GetType() int16 { return CmdUpdate }
func (cmd *UpdateCmd) String() string {
	return fmt.Sprintf("[Update %s where %s tx=%d]", cmd.Table, cmd.Predicate.String(), cmd.TxID)
}

func (cmd *UpdateCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.TxID); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	if err = cmd.Predicate.WriteTo(w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, uint16(len(cmd.Assignments))); err != nil {
		return
	}
	for _, a := range cmd.Assignments {
		if _, err = common.WriteString(a.Column, w); err != nil {
			return
		}
		if _, err = a.Value.WriteTo(w); err != nil {
			return
		}
	}
	return
}

func (cmd *UpdateCmd) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &cmd.TxID); err != nil {
		return
	}
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	if err = cmd.Predicate.ReadFrom(r); err != nil {
		return
	}
	var cnt uint16
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	cmd.Assignments = make([]Assignment, cnt)
	for i := uint16(0); i < cnt; i++ {
		if cmd.Assignments[i].Column, _, err = common.ReadString(r); err != nil {
			return
		}
		if _, err = cmd.Assignments[i].Value.ReadFrom(r); err != nil {
			return
		}
	}
	return
}

func (cmd *UpdateCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *UpdateCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type DeleteCmd struct {
	BaseCmd
	TxID      uint64
	Table     string
	Predicate Predicate
}

func NewDeleteCmd(txID uint64, table string, pred Predicate) *DeleteCmd {
	return &DeleteCmd{TxID: txID, Table: table, Predicate: pred}
}

func (cmd *DeleteCmd) GetType() int16 { return CmdDelete }
func (cmd *DeleteCmd) String() string {
	return fmt.Sprintf("[Delete %s where %s tx=%d]", cmd.Table, cmd.Predicate.String(), cmd.TxID)
}

func (cmd *DeleteCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.TxID); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	return cmd.Predicate.WriteTo(w)
}

func (cmd *DeleteCmd) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &cmd.TxID); err != nil {
		return
	}
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	return cmd.Predicate.ReadFrom(r)
}

func (cmd *DeleteCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *DeleteCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type CreateIndexCmd struct {
	BaseCmd
	Table  string
	Column string
	Kind   int16
}

func NewCreateIndexCmd(table, column string, kind int16) *CreateIndexCmd {
	return &CreateIndexCmd{Table: table, Column: column, Kind: kind}
}

func (cmd *CreateIndexCmd) GetType() int16 { return CmdCreateIndex }
func (cmd *CreateIndexCmd) String() string {
	return fmt.Sprintf("[CreateIndex %s.%s kind=%d]", cmd.Table, cmd.Column, cmd.Kind)
}

func (cmd *CreateIndexCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Column, w); err != nil {
		return
	}
	return binary.Write(w, binary.BigEndian, cmd.Kind)
}

func (cmd *CreateIndexCmd) ReadFrom(r io.Reader) (err error) {
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	if cmd.Column, _, err = common.ReadString(r); err != nil {
		return
	}
	return binary.Read(r, binary.BigEndian, &cmd.Kind)
}

func (cmd *CreateIndexCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *CreateIndexCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type DropIndexCmd struct {
	BaseCmd
	Table  string
	Column string
}

func NewDropIndexCmd(table, column string) *DropIndexCmd {
	return &DropIndexCmd{Table: table, Column: column}
}

func (cmd *DropIndexCmd) GetType() int16 { return CmdDropIndex }
func (cmd *DropIndexCmd) String() string {
	return fmt.Sprintf("[DropIndex %s.%s]", cmd.Table, cmd.Column)
}

func (cmd *DropIndexCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if _, err = common.WriteString(cmd.Table, w); err != nil {
		return
	}
	_, err = common.WriteString(cmd.Column, w)
	return
}

func (cmd *DropIndexCmd) ReadFrom(r io.Reader) (err error) {
	if cmd.Table, _, err = common.ReadString(r); err != nil {
		return
	}
	cmd.Column, _, err = common.ReadString(r)
	return
}

func (cmd *DropIndexCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *DropIndexCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type BeginTxCmd struct {
	BaseCmd
	TxID      uint64
	Isolation int16
}

func NewBeginTxCmd(txID uint64, isolation int16) *BeginTxCmd {
	return &BeginTxCmd{TxID: txID, Isolation: isolation}
}

func (cmd *BeginTxCmd) GetType() int16 { return CmdBeginTx }
func (cmd *BeginTxCmd) String() string {
	return fmt.Sprintf("[BeginTx %d iso=%d]", cmd.TxID, cmd.Isolation)
}

func (cmd *BeginTxCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, cmd.TxID); err != nil {
		return
	}
	return binary.Write(w, binary.BigEndian, cmd.Isolation)
}

func (cmd *BeginTxCmd) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &cmd.TxID); err != nil {
		return
	}
	return binary.Read(r, binary.BigEndian, &cmd.Isolation)
}

func (cmd *BeginTxCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *BeginTxCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type CommitTxCmd struct {
	BaseCmd
	TxID uint64
}

func NewCommitTxCmd(txID uint64) *CommitTxCmd { return &CommitTxCmd{TxID: txID} }

func (cmd *CommitTxCmd) GetType() int16 { return CmdCommitTx }
func (cmd *CommitTxCmd) String() string { return fmt.Sprintf("[CommitTx %d]", cmd.TxID) }

func (cmd *CommitTxCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	return binary.Write(w, binary.BigEndian, cmd.TxID)
}

func (cmd *CommitTxCmd) ReadFrom(r io.Reader) (err error) {
	return binary.Read(r, binary.BigEndian, &cmd.TxID)
}

func (cmd *CommitTxCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *CommitTxCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }

type AbortTxCmd struct {
	BaseCmd
	TxID uint64
}

func NewAbortTxCmd(txID uint64) *AbortTxCmd { return &AbortTxCmd{TxID: txID} }

func (cmd *AbortTxCmd) GetType() int16 { return CmdAbortTx }
func (cmd *AbortTxCmd) String() string { return fmt.Sprintf("[AbortTx %d]", cmd.TxID) }

func (cmd *AbortTxCmd) WriteTo(w io.Writer) (err error) {
	if err = writeTag(cmd, w); err != nil {
		return
	}
	return binary.Write(w, binary.BigEndian, cmd.TxID)
}

func (cmd *AbortTxCmd) ReadFrom(r io.Reader) (err error) {
	return binary.Read(r, binary.BigEndian, &cmd.TxID)
}

func (cmd *AbortTxCmd) Marshal() ([]byte, error)   { return marshalCmd(cmd) }
func (cmd *AbortTxCmd) Unmarshal(buf []byte) error { return unmarshalCmd(cmd, buf) }
